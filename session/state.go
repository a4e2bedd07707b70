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

package session

import "strconv"

// State is the position of a session in its lifecycle. States only move forward.
type State int32

const (
	AwaitingHandshake State = iota
	AwaitingTarget
	Connecting
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting-handshake"
	case AwaitingTarget:
		return "awaiting-target"
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Role selects what the local peer speaks.
type Role int

const (
	// RoleLocal accepts SOCKS5 from applications.
	RoleLocal Role = iota
	// RoleServer accepts Shadowsocks streams; the target is read from the stream itself.
	RoleServer
	// RoleTunnel accepts raw TCP and forwards it to a fixed target.
	RoleTunnel
)

func (r Role) String() string {
	switch r {
	case RoleLocal:
		return "local"
	case RoleServer:
		return "server"
	case RoleTunnel:
		return "tunnel"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// Reasons a session closed, as reported to [Metrics].
const (
	ReasonEOF      = "eof"
	ReasonTimeout  = "timeout"
	ReasonRejected = "rejected"
	ReasonAuth     = "auth"
	ReasonError    = "error"
	ReasonShutdown = "shutdown"
)

// Byte counter directions passed to [Metrics.AddBytes].
const (
	directionUpload   = "upload"
	directionDownload = "download"
)
