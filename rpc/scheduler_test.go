// Copyright 2024 The Reliq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresInDeadlineOrder(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var mutex sync.Mutex
	var fired []int
	done := make(chan struct{})

	s.Schedule(60*time.Millisecond, func() {
		mutex.Lock()
		fired = append(fired, 3)
		mutex.Unlock()
		close(done)
	})
	s.Schedule(20*time.Millisecond, func() {
		mutex.Lock()
		fired = append(fired, 1)
		mutex.Unlock()
	})
	s.Schedule(40*time.Millisecond, func() {
		mutex.Lock()
		fired = append(fired, 2)
		mutex.Unlock()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers did not fire")
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []int{1, 2, 3}, fired)
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var fired atomic.Int32
	h := s.Schedule(30*time.Millisecond, func() { fired.Add(1) })
	h.Cancel()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSchedulerCancelFiredHandle(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	h := s.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	// Cancelling after the fire is a no-op.
	h.Cancel()

	var nilHandle *Handle
	nilHandle.Cancel()
}

func TestSchedulerScheduleEarlierDeadline(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	first := make(chan struct{})
	s.Schedule(500*time.Millisecond, func() {})

	// A later insert with an earlier deadline must still fire on time.
	start := time.Now()
	s.Schedule(20*time.Millisecond, func() { close(first) })

	select {
	case <-first:
		assert.Less(t, time.Since(start), 250*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("earlier timer did not fire")
	}
}

func TestSchedulerStopDiscardsTimers(t *testing.T) {
	s := NewScheduler()
	s.Start()

	var fired atomic.Int32
	s.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestBackoffDelay(t *testing.T) {
	base := 50 * time.Millisecond
	max := 200 * time.Millisecond

	require.Equal(t, 50*time.Millisecond, backoffDelay(base, max, 0))
	require.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 1))
	require.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 2))
	require.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 3))
	require.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 10))
}
