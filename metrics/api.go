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

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/reliq/reliq/logger"
	"github.com/reliq/reliq/rpc"
)

// APIConfiguration holds the admin API configuration.
type APIConfiguration struct {
	// TCP address (<IP>:<port>) that the API will bind to.
	Address string
}

// APIServer represents a Runner exposing the admin HTTP API: health,
// session listing and indexed session lookup.
type APIServer struct {
	echo  *echo.Echo
	conf  APIConfiguration
	store *rpc.Store
	log   *logger.Logger
}

type sessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// NewAPIServer creates an APIServer.
func NewAPIServer(c APIConfiguration, store *rpc.Store,
	log *logger.Logger) (*APIServer, error) {

	if c.Address == "" {
		return nil, errors.New("API missing address")
	}
	if store == nil {
		return nil, errors.New("API missing session store")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())

	srv := &APIServer{echo: e, conf: c, store: store, log: log}

	e.GET("/healthz", srv.handleHealth)
	v1 := e.Group("/api/v1")
	v1.GET("/sessions", srv.handleSessions)
	v1.GET("/sessions/find", srv.handleSessionsFind)

	return srv, nil
}

// Handler returns the HTTP handler of the API.
func (s *APIServer) Handler() http.Handler { return s.echo }

// Run starts the execution of the APIServer.
// Once called, it blocks waiting for connections until it's stopped by
// the Stop function.
func (s *APIServer) Run() error {
	lsn, err := net.Listen("tcp", s.conf.Address)
	if err != nil {
		return err
	}

	s.log.Info().Msg("API Listening on " + lsn.Addr().String())
	s.echo.Listener = lsn

	if err := s.echo.Start(s.conf.Address); err != http.ErrServerClosed {
		return err
	}

	s.log.Debug().Msg("API Server stopped with success")
	return nil
}

// Stop stops the APIServer.
// Once called, it unblocks the Run function.
func (s *APIServer) Stop() {
	s.log.Debug().Msg("API Stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.echo.Shutdown(ctx)
	if err != nil {
		_ = s.echo.Close()
	}
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionsResponse{
		Sessions: s.store.Tokens(),
	})
}

func (s *APIServer) handleSessionsFind(c echo.Context) error {
	key := c.QueryParam("key")
	value := c.QueryParam("value")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing key")
	}

	sessions := s.store.FindBy(key, value)
	tokens := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		tokens = append(tokens, sess.Token())
	}

	return c.JSON(http.StatusOK, sessionsResponse{Sessions: tokens})
}
