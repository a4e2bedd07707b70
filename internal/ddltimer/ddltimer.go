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
Package ddltimer provides [IdleTimer], the cancellable countdown owned by each peer of a session.
Every successful read or write on the peer calls Touch, which pushes the expiration ttl into the
future. When the peer stays idle for ttl, the Expired channel is closed:

	t := ddltimer.New(60 * time.Second)
	defer t.Stop()
	go func() {
		<-t.Expired()
		conn.Close()
	}()
	n, err := conn.Read(buf)
	t.Touch()
*/
package ddltimer

import (
	"sync"
	"time"
)

// IdleTimer closes its Expired channel once no Touch happened for the configured ttl.
// Any number of goroutines may wait on Expired, and Touch, SetDeadline and Stop may be called
// concurrently with them.
type IdleTimer struct {
	mu sync.Mutex

	ttl time.Duration
	ddl time.Time
	t   *time.Timer
	c   chan struct{}
}

// New creates an IdleTimer armed to expire ttl from now. A non-positive ttl disables expiration.
func New(ttl time.Duration) *IdleTimer {
	d := &IdleTimer{ttl: ttl, c: make(chan struct{})}
	d.Touch()
	return d
}

// TTL returns the idle period the timer was created with.
func (d *IdleTimer) TTL() time.Duration {
	return d.ttl
}

// Expired returns a channel that is closed when the current deadline passes. The channel is
// replaced whenever the deadline is moved after the previous one already fired.
func (d *IdleTimer) Expired() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// Touch rearms the timer to expire ttl from now.
func (d *IdleTimer) Touch() {
	if d.ttl <= 0 {
		return
	}
	d.SetDeadline(time.Now().Add(d.ttl))
}

// SetDeadline moves the expiration to t. The zero time disarms the timer.
func (d *IdleTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// If the pending callback already ran, its channel is closed and a fresh one is needed.
	if d.t != nil && !d.t.Stop() {
		d.c = make(chan struct{})
	}
	d.t = nil

	// A deadline in the past closes the channel without a timer, so it may be closed here too.
	select {
	case <-d.c:
		d.c = make(chan struct{})
	default:
	}

	d.ddl = t
	if t.IsZero() {
		return
	}
	wait := time.Until(t)
	if wait <= 0 {
		close(d.c)
		return
	}
	// The callback must close the channel current at arm time, not whatever d.c is when it runs.
	ch := d.c
	d.t = time.AfterFunc(wait, func() { close(ch) })
}

// Stop disarms the timer. Waiters on Expired stay blocked until a later deadline passes.
func (d *IdleTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current expiration time, or the zero time if the timer is disarmed.
func (d *IdleTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddl
}
