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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoute(t *testing.T) {
	env := newTestEnv(t, Configuration{QoSDefault: QoS1})

	env.disp.Register("echo", QoS0, func(c *Context) {})
	env.disp.Register("inc", QoS2, func(c *Context) {})
	env.disp.RegisterDefault("ping", func(c *Context) {})

	qos, ok := env.disp.Route("echo")
	require.True(t, ok)
	assert.Equal(t, QoS0, qos)

	qos, ok = env.disp.Route("inc")
	require.True(t, ok)
	assert.Equal(t, QoS2, qos)

	qos, ok = env.disp.Route("ping")
	require.True(t, ok)
	assert.Equal(t, QoS1, qos)

	_, ok = env.disp.Route("missing")
	assert.False(t, ok)
}

func TestDispatcherDispatchHandlerResponse(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Register("echo", QoS0, func(c *Context) {
		assert.Equal(t, "echo", c.Method())
		c.SetResponse(c.Request())
	})

	res := env.disp.Dispatch(s.Context(), s, "echo", []byte("hello"))
	require.Nil(t, res.Err)
	assert.True(t, res.HasResponse)
	assert.Equal(t, []byte("hello"), res.Response)
}

func TestDispatcherDispatchNoResponse(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Register("fire", QoS0, func(c *Context) {})

	res := env.disp.Dispatch(s.Context(), s, "fire", nil)
	require.Nil(t, res.Err)
	assert.False(t, res.HasResponse)
}

func TestDispatcherDispatchUnknownMethod(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	res := env.disp.Dispatch(s.Context(), s, "missing", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeNotFound, res.Err.Code)
}

func TestDispatcherMiddlewareOrder(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	var order []string
	env.disp.Use(func(c *Context) {
		order = append(order, "global")
		c.Next()
	})
	env.disp.UseFor("echo", func(c *Context) {
		order = append(order, "method")
		c.Next()
	})
	env.disp.Register("echo", QoS0, func(c *Context) {
		order = append(order, "handler")
		c.SetResponse(c.Request())
	})

	res := env.disp.Dispatch(s.Context(), s, "echo", []byte("x"))
	require.Nil(t, res.Err)
	assert.Equal(t, []string{"global", "method", "handler"}, order)
}

func TestDispatcherMiddlewareModifiesRequest(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Use(func(c *Context) {
		c.SetRequest(append([]byte("mod:"), c.Request()...))
		c.Next()
	})
	env.disp.Register("echo", QoS0, func(c *Context) {
		c.SetResponse(c.Request())
	})

	res := env.disp.Dispatch(s.Context(), s, "echo", []byte("body"))
	require.Nil(t, res.Err)
	assert.Equal(t, []byte("mod:body"), res.Response)
}

func TestDispatcherMiddlewareDenies(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	handled := false
	env.disp.Use(func(c *Context) {
		// Does not call Next.
	})
	env.disp.Register("echo", QoS0, func(c *Context) { handled = true })

	res := env.disp.Dispatch(s.Context(), s, "echo", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeMiddleware, res.Err.Code)
	assert.False(t, handled)
}

func TestDispatcherMiddlewareFails(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Use(func(c *Context) {
		c.Fail(42, "quota exceeded")
		c.Next()
	})
	env.disp.Register("echo", QoS0, func(c *Context) {
		t.Fatal("handler must not run")
	})

	res := env.disp.Dispatch(s.Context(), s, "echo", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, 42, res.Err.Code)
	assert.Equal(t, "quota exceeded", res.Err.Message)
}

func TestDispatcherMiddlewareShortCircuitsWithResponse(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Use(func(c *Context) {
		c.SetResponse([]byte("cached"))
	})
	env.disp.Register("echo", QoS0, func(c *Context) {
		t.Fatal("handler must not run")
	})

	res := env.disp.Dispatch(s.Context(), s, "echo", nil)
	require.Nil(t, res.Err)
	assert.Equal(t, []byte("cached"), res.Response)
}

func TestDispatcherHandlerFails(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Register("boom", QoS0, func(c *Context) {
		c.Fail(7, "handler failure")
	})

	res := env.disp.Dispatch(s.Context(), s, "boom", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, 7, res.Err.Code)
}

func TestDispatcherHandlerPanics(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	env.disp.Register("panic", QoS0, func(c *Context) {
		panic("boom")
	})

	res := env.disp.Dispatch(s.Context(), s, "panic", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeInternal, res.Err.Code)
}

func TestDispatcherPerMethodMiddlewareScoped(t *testing.T) {
	env := newTestEnv(t, Configuration{})
	s := env.newSession(t)

	ran := 0
	env.disp.UseFor("guarded", func(c *Context) {
		ran++
		c.Next()
	})
	env.disp.Register("guarded", QoS0, func(c *Context) {
		c.SetResponse(nil)
	})
	env.disp.Register("open", QoS0, func(c *Context) {
		c.SetResponse(nil)
	})

	_ = env.disp.Dispatch(s.Context(), s, "open", nil)
	assert.Equal(t, 0, ran)

	_ = env.disp.Dispatch(s.Context(), s, "guarded", nil)
	assert.Equal(t, 1, ran)
}
