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

//go:build linux

package server

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// tcpFastOpenQueueLength is the queue length of pending Fast Open requests.
const tcpFastOpenQueueLength = 4096

func listenControl(fastOpen bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) (err error) {
		if cerr := c.Control(func(fd uintptr) {
			if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				err = fmt.Errorf("failed to set socket option SO_REUSEADDR: %w", err)
				return
			}
			if fastOpen {
				if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, tcpFastOpenQueueLength); err != nil {
					err = fmt.Errorf("failed to set socket option TCP_FASTOPEN: %w", err)
				}
			}
		}); cerr != nil {
			return cerr
		}
		return
	}
}
