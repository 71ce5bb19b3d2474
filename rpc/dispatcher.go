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
	"context"
	"sync"
	"time"

	"github.com/reliq/reliq/logger"
)

// Handler processes one RPC request. It reads the request through the
// pipeline context and may set a response or fail with a structured
// error.
type Handler func(c *Context)

// Middleware is a pipeline stage which runs before the handler. It may
// read or modify the inbound request, short-circuit with an error or a
// response, or pass through by calling Next.
type Middleware func(c *Context)

// Result is the outcome of one pipeline execution.
type Result struct {
	// Response holds the response payload when HasResponse is set.
	Response []byte

	// HasResponse indicates whether the pipeline produced a response.
	HasResponse bool

	// Err holds the structured error when the pipeline failed.
	Err *Error
}

// Context carries one request through the middleware chain and the
// handler.
type Context struct {
	ctx         context.Context
	session     *Session
	method      string
	request     []byte
	response    []byte
	hasResponse bool
	err         *Error
	chain       []Middleware
	index       int
	completed   bool
}

// Context returns the request context. It is cancelled when the owning
// session is evicted; well-behaved handlers observe it at suspension
// points and abandon work.
func (c *Context) Context() context.Context { return c.ctx }

// Session returns the session which issued the request.
func (c *Context) Session() *Session { return c.session }

// Method returns the method name of the request.
func (c *Context) Method() string { return c.method }

// Request returns the request body.
func (c *Context) Request() []byte { return c.request }

// SetRequest replaces the request body for the next pipeline stages.
func (c *Context) SetRequest(body []byte) { c.request = body }

// SetResponse sets the response payload. The response is delivered back
// to the peer under the QoS of the method.
func (c *Context) SetResponse(body []byte) {
	c.response = body
	c.hasResponse = true
}

// Fail aborts the pipeline with a structured error which is surfaced to
// the peer as an error response.
func (c *Context) Fail(code int, msg string) {
	c.err = &Error{Code: code, Message: msg}
}

// Next runs the next stage of the pipeline. A middleware which does not
// call Next and does not set a response or an error denies the request.
func (c *Context) Next() {
	if c.err != nil {
		return
	}

	c.index++
	if c.index < len(c.chain) {
		c.chain[c.index](c)
	}
}

type route struct {
	handler Handler
	qos     QoS
}

// Dispatcher routes inbound requests through the ordered middleware
// chain to the registered method handler, running the pipeline on a
// fixed-size worker pool.
type Dispatcher struct {
	mutex     sync.RWMutex
	global    []Middleware
	perMethod map[string][]Middleware
	routes    map[string]route

	jobs    chan job
	quit    chan struct{}
	stopped sync.WaitGroup
	workers int

	qosDefault QoS
	metrics    *metrics
	log        *logger.Logger
}

type job struct {
	ctx     context.Context
	session *Session
	method  string
	body    []byte
	done    chan Result
}

// NewDispatcher creates a new Dispatcher with the given worker pool
// size.
func NewDispatcher(workers int, qosDefault QoS, mt *metrics,
	log *logger.Logger) *Dispatcher {

	return &Dispatcher{
		perMethod:  make(map[string][]Middleware),
		routes:     make(map[string]route),
		jobs:       make(chan job),
		quit:       make(chan struct{}),
		workers:    workersOrDefault(workers),
		qosDefault: qosDefault,
		metrics:    mt,
		log:        log,
	}
}

// Start starts the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.stopped.Add(1)
		go d.worker()
	}
}

// Stop stops the worker pool. Dispatch calls issued after Stop fail
// with an internal error instead of blocking.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.stopped.Wait()
}

// Use appends a middleware to the global chain. The chain is a fixed
// ordered list built at startup.
func (d *Dispatcher) Use(mw Middleware) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.global = append(d.global, mw)
}

// UseFor appends a middleware which runs only for the given method,
// after the global chain.
func (d *Dispatcher) UseFor(method string, mw Middleware) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.perMethod[method] = append(d.perMethod[method], mw)
}

// Register registers the handler for the given method at the given QoS.
func (d *Dispatcher) Register(method string, qos QoS, h Handler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.routes[method] = route{handler: h, qos: qos}
}

// RegisterDefault registers the handler for the given method at the
// configured default QoS.
func (d *Dispatcher) RegisterDefault(method string, h Handler) {
	d.Register(method, d.qosDefault, h)
}

// Route returns the QoS of the given method and whether it is
// registered.
func (d *Dispatcher) Route(method string) (QoS, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	r, ok := d.routes[method]
	if !ok {
		return QoS0, false
	}
	return r.qos, true
}

// Dispatch runs the pipeline on the worker pool and blocks until it
// completes, keeping the caller serialized with respect to the session.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session,
	method string, body []byte) Result {

	j := job{ctx: ctx, session: s, method: method, body: body,
		done: make(chan Result, 1)}

	select {
	case d.jobs <- j:
	case <-d.quit:
		return Result{Err: &Error{Code: CodeInternal,
			Message: "server stopping"}}
	case <-ctx.Done():
		return Result{Err: &Error{Code: CodeInternal,
			Message: "session evicted"}}
	}

	select {
	case res := <-j.done:
		return res
	case <-ctx.Done():
		return Result{Err: &Error{Code: CodeInternal,
			Message: "session evicted"}}
	}
}

func (d *Dispatcher) worker() {
	defer d.stopped.Done()

	for {
		select {
		case <-d.quit:
			return
		case j := <-d.jobs:
			start := time.Now()
			res := d.execute(j)
			d.metrics.recordHandlerLatency(time.Since(start))
			j.done <- res
		}
	}
}

func (d *Dispatcher) execute(j job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("Method", j.method).
				Str("SessionToken", j.session.Token()).
				Msgf("RPC Handler panic: %v", r)
			res = Result{Err: &Error{Code: CodeInternal,
				Message: "internal error"}}
		}
	}()

	if j.ctx.Err() != nil {
		return Result{Err: &Error{Code: CodeInternal,
			Message: "session evicted"}}
	}

	d.mutex.RLock()
	r, ok := d.routes[j.method]
	chain := make([]Middleware, 0, len(d.global)+len(d.perMethod[j.method])+1)
	chain = append(chain, d.global...)
	chain = append(chain, d.perMethod[j.method]...)
	d.mutex.RUnlock()

	if !ok {
		d.log.Debug().
			Str("Method", j.method).
			Str("SessionToken", j.session.Token()).
			Msg("RPC Method not found")
		return Result{Err: &Error{Code: CodeNotFound,
			Message: "unknown method: " + j.method}}
	}

	chain = append(chain, func(c *Context) {
		r.handler(c)
		c.completed = true
	})

	c := &Context{
		ctx:     j.ctx,
		session: j.session,
		method:  j.method,
		request: j.body,
		chain:   chain,
		index:   -1,
	}
	c.Next()

	if c.err != nil {
		return Result{Err: c.err}
	}
	if !c.completed && !c.hasResponse {
		return Result{Err: &Error{Code: CodeMiddleware,
			Message: "access denied by middleware"}}
	}
	return Result{Response: c.response, HasResponse: c.hasResponse}
}
