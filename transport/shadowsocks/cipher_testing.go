// Copyright 2018 Jigsaw Operations LLC
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

package shadowsocks

import (
	"fmt"
)

// TestCipher is a preferred cipher to use in testing.
const TestCipher = "chacha20-ietf-poly1305"

// MakeTestSecrets returns a slice of `n` test passwords.  Not secure!
func MakeTestSecrets(n int) []string {
	secrets := make([]string, n)
	for i := 0; i < n; i++ {
		secrets[i] = fmt.Sprintf("secret-%v", i)
	}
	return secrets
}

// MakeTestPayload returns a slice of `size` arbitrary bytes.
func MakeTestPayload(size int) []byte {
	payload := make([]byte, size)
	for i := 0; i < size; i++ {
		payload[i] = byte(i)
	}
	return payload
}

// MakeTestContexts returns both ends of one session encrypted with [TestCipher] and password.
func MakeTestContexts(password string) (client, server *CryptoContext, err error) {
	factory, err := NewContextFactory(TestCipher, password, Options{})
	if err != nil {
		return nil, nil, err
	}
	return factory.NewContext(), factory.NewContext(), nil
}
