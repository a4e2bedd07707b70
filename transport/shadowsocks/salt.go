// Copyright 2020 Jigsaw Operations LLC
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
	"crypto/rand"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/riobard/go-bloom"
)

// SaltGenerator generates unique salts to use in Shadowsocks connections.
type SaltGenerator interface {
	// GetSalt fills salt with a new salt.
	GetSalt(salt []byte) error
}

// randomSaltGenerator generates a new random salt.
type randomSaltGenerator struct{}

// GetSalt outputs a random salt.
func (randomSaltGenerator) GetSalt(salt []byte) error {
	_, err := rand.Read(salt)
	return err
}

// RandomSaltGenerator is a basic SaltGenerator.
var RandomSaltGenerator SaltGenerator = randomSaltGenerator{}

type prefixSaltGenerator struct {
	prefix []byte
}

func (g prefixSaltGenerator) GetSalt(salt []byte) error {
	n := copy(salt, g.prefix)
	if n != len(g.prefix) {
		return errors.New("prefix is too long")
	}
	_, err := rand.Read(salt[n:])
	return err
}

// NewPrefixSaltGenerator returns a SaltGenerator whose output consists of
// the provided prefix, followed by random bytes. This changes how the traffic
// is classified by middleboxes.
//
// Prefixes steal entropy from the salt, which makes a salt collision between two
// sessions more likely. A repeated salt reuses the session key and exposes both
// sessions. Keep prefixes short.
func NewPrefixSaltGenerator(prefix []byte) SaltGenerator {
	return prefixSaltGenerator{prefix}
}

// SaltFilter remembers recently seen salts so a server can reject replayed streams.
// It is a ring of bloom filters: when the current slot is full the oldest slot is cleared
// and reused, so memory stays bounded and old salts are eventually forgotten.
//
// SaltFilter is safe for concurrent use.
type SaltFilter struct {
	mu           sync.Mutex
	slots        []bloom.Filter
	slotCapacity int
	entries      int
	current      int
}

const saltFilterSlots = 10

// NewSaltFilter creates a filter that remembers about capacity salts with the given false
// positive rate.
func NewSaltFilter(capacity int, falsePositiveRate float64) *SaltFilter {
	slotCapacity := capacity / saltFilterSlots
	if slotCapacity < 1 {
		slotCapacity = 1
	}
	f := &SaltFilter{
		slots:        make([]bloom.Filter, saltFilterSlots),
		slotCapacity: slotCapacity,
	}
	for i := range f.slots {
		f.slots[i] = bloom.New(slotCapacity, falsePositiveRate, doubleFNV)
	}
	return f
}

func doubleFNV(b []byte) (uint64, uint64) {
	hx := fnv.New64()
	hx.Write(b)
	hy := fnv.New64a()
	hy.Write(b)
	return hx.Sum64(), hy.Sum64()
}

func (f *SaltFilter) add(salt []byte) {
	if f.entries >= f.slotCapacity {
		f.current = (f.current + 1) % len(f.slots)
		f.slots[f.current].Reset()
		f.entries = 0
	}
	f.slots[f.current].Add(salt)
	f.entries++
}

func (f *SaltFilter) test(salt []byte) bool {
	for _, s := range f.slots {
		if s.Test(salt) {
			return true
		}
	}
	return false
}

// Add records salt as seen.
func (f *SaltFilter) Add(salt []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(salt)
}

// CheckAndAdd reports whether salt was seen before, and records it otherwise.
func (f *SaltFilter) CheckAndAdd(salt []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.test(salt) {
		return true
	}
	f.add(salt)
	return false
}
