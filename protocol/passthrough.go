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

package protocol

import (
	"io"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
)

// PassThrough relays bytes unchanged to the target named in the SOCKS5 request.
type PassThrough struct {
	header
}

var _ Stage = (*PassThrough)(nil)

// NewPassThrough creates a [PassThrough] stage.
func NewPassThrough() *PassThrough {
	return &PassThrough{}
}

func (*PassThrough) Wrap(buf *buffer.Buffer) (int, error)   { return buf.Len(), nil }
func (*PassThrough) UnWrap(buf *buffer.Buffer) (int, error) { return buf.Len(), nil }

// Initialize has nothing to negotiate.
func (*PassThrough) Initialize(io.ReadWriter, *buffer.Buffer) error { return nil }
