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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reliq/reliq/logger"
)

// Upgrade headers of the Reliq handshake.
const (
	headerClientID     = "X-Client-Id"
	headerDeviceID     = "X-Device-Id"
	headerSessionToken = "X-Session-Token"
)

// Server is the RPC server. It accepts WebSocket connections, validates
// the upgrade headers, resolves or creates the session, and wires the
// connection into the transport adapter. It implements the
// broker.Runner interface.
type Server struct {
	conf    Configuration
	log     *logger.Logger
	metrics *metrics
	proto   Protocol
	disp    *Dispatcher
	sched   *Scheduler
	store   *Store

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mutex   sync.Mutex
	running bool
	addr    string
}

// Option configures the Server.
type Option func(s *Server)

// WithProtocol replaces the default text protocol.
func WithProtocol(p Protocol) Option {
	return func(s *Server) { s.proto = p }
}

// WithUndeliveredCallback registers the callback invoked when a QoS1 or
// QoS2 delivery exhausts its retries.
func WithUndeliveredCallback(cb UndeliveredCallback) Option {
	return func(s *Server) { s.store.undelivered = cb }
}

// NewServer creates a new Server with the given configuration.
func NewServer(conf Configuration, log *logger.Logger, opts ...Option) *Server {
	conf.Address = addressOrDefault(conf.Address)
	conf.Path = pathOrDefault(conf.Path)
	conf.IdleTTL = idleTTLOrDefault(conf.IdleTTL)
	conf.BaseRetry = baseRetryOrDefault(conf.BaseRetry)
	conf.MaxBackoff = maxBackoffOrDefault(conf.MaxBackoff)
	conf.MaxRetries = maxRetriesOrDefault(conf.MaxRetries)
	conf.MaxFrameBytes = maxFrameBytesOrDefault(conf.MaxFrameBytes)
	conf.MaxOutboxPerSession = maxOutboxOrDefault(conf.MaxOutboxPerSession)
	conf.Workers = workersOrDefault(conf.Workers)

	s := &Server{
		conf:    conf,
		log:     log,
		metrics: newMetrics(conf.MetricsEnabled, log),
		proto:   TextProtocol{},
		sched:   NewScheduler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.disp = NewDispatcher(conf.Workers, conf.QoSDefault, s.metrics, log)
	s.store = newStore(&s.conf, s.proto, s.disp, s.sched, s.metrics, log)

	for _, opt := range opts {
		opt(s)
	}
	s.store.proto = s.proto

	log.Trace().
		Str("Address", conf.Address).
		Int64("BaseRetryMs", conf.BaseRetry.Milliseconds()).
		Int64("IdleTTLMs", conf.IdleTTL.Milliseconds()).
		Int64("MaxBackoffMs", conf.MaxBackoff.Milliseconds()).
		Int("MaxFrameBytes", conf.MaxFrameBytes).
		Int("MaxRetries", conf.MaxRetries).
		Int("MaxSessions", conf.MaxSessions).
		Str("Path", conf.Path).
		Int("Workers", conf.Workers).
		Msg("RPC Creating server")

	return s
}

// Use appends a middleware to the global pipeline.
func (s *Server) Use(mw Middleware) { s.disp.Use(mw) }

// UseFor appends a middleware which runs only for the given method.
func (s *Server) UseFor(method string, mw Middleware) {
	s.disp.UseFor(method, mw)
}

// Register registers the handler for the given method at the given QoS.
func (s *Server) Register(method string, qos QoS, h Handler) {
	s.disp.Register(method, qos, h)
}

// RegisterDefault registers the handler at the configured default QoS.
func (s *Server) RegisterDefault(method string, h Handler) {
	s.disp.RegisterDefault(method, h)
}

// Store returns the session store.
func (s *Server) Store() *Store { return s.store }

// Addr returns the bound address of a running server.
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.addr
}

// SendTo sends a server-initiated message to the session with the given
// token at the given QoS.
func (s *Server) SendTo(token string, payload []byte, qos QoS) error {
	sess, ok := s.store.Get(token)
	if !ok {
		return ErrSessionEvicted
	}
	return sess.Send(payload, qos)
}

// Broadcast sends a server-initiated message to every live session at
// the given QoS.
func (s *Server) Broadcast(payload []byte, qos QoS) {
	for _, token := range s.store.Tokens() {
		if sess, ok := s.store.Get(token); ok {
			_ = sess.Send(payload, qos)
		}
	}
}

// Run starts the server. Once called, it blocks waiting for connections
// until it is stopped by the Stop function. It returns an error when
// the server fails to bind.
func (s *Server) Run() error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = true

	s.sched.Start()
	s.disp.Start()
	s.store.startSweep()

	mux := http.NewServeMux()
	mux.HandleFunc(s.conf.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}
	s.mutex.Unlock()

	lsn, err := net.Listen("tcp", s.conf.Address)
	if err != nil {
		s.log.Error().
			Str("Address", s.conf.Address).
			Msg("RPC Failed to bind: " + err.Error())
		return err
	}

	s.mutex.Lock()
	s.addr = lsn.Addr().String()
	s.mutex.Unlock()

	s.log.Info().Msg("RPC Listening on " + lsn.Addr().String())

	if err := s.httpSrv.Serve(lsn); err != http.ErrServerClosed {
		return err
	}

	s.log.Debug().Msg("RPC Server stopped with success")
	return nil
}

// Stop stops the server. Once called, it unblocks the Run function.
func (s *Server) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	httpSrv := s.httpSrv
	s.mutex.Unlock()

	s.log.Debug().Msg("RPC Stopping server")

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			_ = httpSrv.Close()
		}
	}

	s.store.stopSweep()
	s.disp.Stop()
	s.sched.Stop()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(headerClientID)
	deviceID := r.Header.Get(headerDeviceID)
	if clientID == "" || deviceID == "" {
		s.log.Warn().
			Str("Address", r.RemoteAddr).
			Msg("RPC Missing identity headers")
		http.Error(w, "missing x-client-id or x-device-id header",
			http.StatusBadRequest)
		return
	}

	token := r.Header.Get(headerSessionToken)
	sess, isNew, err := s.store.Attach(clientID, deviceID, token)
	if err != nil {
		s.log.Warn().
			Str("Address", r.RemoteAddr).
			Str("ClientId", clientID).
			Msg("RPC Failed to resolve session: " + err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	respHeader := http.Header{}
	respHeader.Set(headerSessionToken, sess.Token())

	ws, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Warn().
			Str("Address", r.RemoteAddr).
			Str("ClientId", clientID).
			Msg("RPC Failed to upgrade connection: " + err.Error())
		return
	}

	conn := newConnection(ws, &s.conf, s.log)
	if old := sess.attach(conn); old != nil {
		old.Close(CloseSessionTakenOver,
			"connection replaced by new client")
	}

	s.log.Info().
		Str("Address", conn.Address()).
		Str("ClientId", clientID).
		Str("ConnectionId", conn.ID()).
		Str("DeviceId", deviceID).
		Bool("NewSession", isNew).
		Str("SessionToken", sess.Token()).
		Msg("RPC Client connected")

	go conn.readLoop(sess.onFrame, func() {
		sess.detachIf(conn)
		s.log.Info().
			Str("Address", conn.Address()).
			Str("ClientId", clientID).
			Str("ConnectionId", conn.ID()).
			Str("SessionToken", sess.Token()).
			Msg("RPC Client disconnected")
	})
}
