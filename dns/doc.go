// Copyright 2023 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package dns resolves the hostnames that proxy sessions must connect to.

Two layers are provided. A [Querier] performs a single DNS transaction over some transport:

  - [DNS-over-UDP]: plaintext datagrams, usually to port 53. Truncated answers are retried over TCP.
  - [DNS-over-TCP]: length-prefixed messages over a stream, used for large answers.
  - [DNS-over-TLS] (DoT): the TCP framing inside a TLS connection, usually to port 853.

A [Resolver] maps a hostname to addresses. [NewResolver] builds one on top of a list of
nameservers, ordering or filtering the IPv4 and IPv6 answers according to a [Mode], and caching
them for the time the records allow. Without nameservers it uses the system resolver.

[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
[DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
*/
package dns
