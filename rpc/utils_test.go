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
	"testing"
	"time"

	"github.com/reliq/reliq/mocks"
	"github.com/stretchr/testify/require"

	"github.com/reliq/reliq/rpc/frame"
)

// testEnv wires a dispatcher, a scheduler and a store with a fast test
// configuration.
type testEnv struct {
	conf  *Configuration
	disp  *Dispatcher
	sched *Scheduler
	store *Store
}

func newTestEnv(t *testing.T, conf Configuration) *testEnv {
	t.Helper()

	if conf.IdleTTL == 0 {
		conf.IdleTTL = 150 * time.Millisecond
	}
	if conf.BaseRetry == 0 {
		conf.BaseRetry = 20 * time.Millisecond
	}
	if conf.MaxBackoff == 0 {
		conf.MaxBackoff = 80 * time.Millisecond
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = 3
	}
	if conf.Workers == 0 {
		conf.Workers = 2
	}

	log := mocks.NewLoggerStub()
	mt := newMetrics(false, log.Logger())

	disp := NewDispatcher(conf.Workers, conf.QoSDefault, mt, log.Logger())
	disp.Start()
	t.Cleanup(disp.Stop)

	sched := NewScheduler()
	sched.Start()
	t.Cleanup(sched.Stop)

	env := &testEnv{
		conf:  &conf,
		disp:  disp,
		sched: sched,
		store: newStore(&conf, TextProtocol{}, disp, sched, mt,
			log.Logger()),
	}
	return env
}

func (e *testEnv) newSession(t *testing.T) *Session {
	t.Helper()

	s, isNew, err := e.store.Attach("client-1", "device-1", "")
	require.Nil(t, err)
	require.True(t, isNew)
	return s
}

// connMock records every frame sent through it.
type connMock struct {
	mutex  sync.Mutex
	frames []frame.Frame
	closed bool
	code   int
}

func newConnMock() *connMock {
	return &connMock{}
}

func (c *connMock) ID() string { return "conn-mock" }

func (c *connMock) Address() string { return "127.0.0.1:12345" }

func (c *connMock) SendFrame(f frame.Frame) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	f.Payload = append([]byte{}, f.Payload...)
	c.frames = append(c.frames, f)
	return nil
}

func (c *connMock) Close(code int, _ string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	c.code = closedCode(c.code, code)
}

func closedCode(current, code int) int {
	if current != 0 {
		return current
	}
	return code
}

func (c *connMock) sent() []frame.Frame {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]frame.Frame{}, c.frames...)
}

func (c *connMock) sentOfType(t frame.Type) []frame.Frame {
	var out []frame.Frame
	for _, f := range c.sent() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// waitFrames blocks until the connection saw at least n frames of the
// given type, failing the test after one second.
func (c *connMock) waitFrames(t *testing.T, ft frame.Type,
	n int) []frame.Frame {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames := c.sentOfType(ft)
		if len(frames) >= n {
			return frames
		}
		time.Sleep(2 * time.Millisecond)
	}

	frames := c.sentOfType(ft)
	require.GreaterOrEqual(t, len(frames), n, "timeout waiting for %v frames",
		ft.String())
	return frames
}

func (c *connMock) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}
