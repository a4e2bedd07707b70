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

package ddltimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabled(t *testing.T) {
	d := New(0)
	assert.True(t, d.Deadline().IsZero())
	select {
	case <-d.Expired():
		assert.Fail(t, "disabled timer must never expire")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestExpiresAfterTTL(t *testing.T) {
	start := time.Now()
	d := New(100 * time.Millisecond)
	defer d.Stop()
	assert.Equal(t, 100*time.Millisecond, d.TTL())

	<-d.Expired()
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestTouchPostpones(t *testing.T) {
	start := time.Now()
	d := New(200 * time.Millisecond)
	defer d.Stop()

	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		d.Touch()
	}
	select {
	case <-d.Expired():
		assert.Fail(t, "timer expired while being touched")
	default:
	}
	<-d.Expired()
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
}

func TestStop(t *testing.T) {
	d := New(100 * time.Millisecond)
	d.Stop()
	assert.True(t, d.Deadline().IsZero())
	select {
	case <-d.Expired():
		assert.Fail(t, "stopped timer must not expire")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSetPastThenFuture(t *testing.T) {
	d := New(0)
	start := time.Now()
	d.SetDeadline(start.Add(-time.Second))
	d.SetDeadline(start.Add(200 * time.Millisecond))
	assert.Equal(t, start.Add(200*time.Millisecond), d.Deadline())

	<-d.Expired()
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSharedWaiters(t *testing.T) {
	d := New(0)
	ch0 := d.Expired()
	d.SetDeadline(time.Now().Add(100 * time.Millisecond))
	ch1 := d.Expired()
	assert.Equal(t, ch0, ch1)

	// Both subscribers observe the same expiration.
	<-ch0
	<-ch1

	d.Touch() // ttl 0 is a no-op
	d.SetDeadline(time.Now().Add(50 * time.Millisecond))
	ch2 := d.Expired()
	assert.NotEqual(t, ch1, ch2)
	<-ch2
}
