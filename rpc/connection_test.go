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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reliq/reliq/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliq/reliq/rpc/frame"
)

// newConnectionPair upgrades a real WebSocket pair and wraps the server
// side into a Connection.
func newConnectionPair(t *testing.T,
	conf *Configuration) (*Connection, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *Connection, 1)
	log := mocks.NewLoggerStub()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			require.Nil(t, err)
			connCh <- newConnection(ws, conf, log.Logger())
		}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-connCh:
		return conn, client
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
		return nil, nil
	}
}

func TestConnectionSendFrame(t *testing.T) {
	conf := &Configuration{}
	conn, client := newConnectionPair(t, conf)

	assert.NotEmpty(t, conn.ID())
	assert.NotEmpty(t, conn.Address())

	err := conn.SendFrame(frame.Frame{Type: frame.DATA, ID: 42,
		Payload: []byte("echo:hi")})
	require.Nil(t, err)

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	msgType, buf, err := client.ReadMessage()
	require.Nil(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	f, err := frame.Decode(buf, true)
	require.Nil(t, err)
	assert.Equal(t, frame.DATA, f.Type)
	assert.Equal(t, uint64(42), f.ID)
	assert.Equal(t, []byte("echo:hi"), f.Payload)
}

func TestConnectionReadLoopDeliversInOrder(t *testing.T) {
	conf := &Configuration{}
	conn, client := newConnectionPair(t, conf)

	frames := make(chan frame.Frame, 8)
	closed := make(chan struct{})
	go conn.readLoop(func(f frame.Frame) {
		f.Payload = append([]byte{}, f.Payload...)
		frames <- f
	}, func() { close(closed) })

	for i := uint64(1); i <= 3; i++ {
		buf := frame.Encode(frame.Frame{Type: frame.DATA, ID: i})
		require.Nil(t, client.WriteMessage(websocket.BinaryMessage, buf))
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, i, f.ID)
		case <-time.After(time.Second):
			t.Fatal("frame not delivered")
		}
	}

	_ = client.Close()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback not invoked")
	}
}

func TestConnectionSendFrameAfterClose(t *testing.T) {
	conf := &Configuration{}
	conn, _ := newConnectionPair(t, conf)

	conn.Close(websocket.CloseNormalClosure, "done")
	err := conn.SendFrame(frame.Frame{Type: frame.ACK, ID: 1})
	assert.Equal(t, ErrConnectionClosed, err)

	// Closing twice is a no-op.
	conn.Close(websocket.CloseNormalClosure, "done")
}

func TestConnectionStrictModeRejectsUnknownType(t *testing.T) {
	conf := &Configuration{StrictFrames: true}
	conn, client := newConnectionPair(t, conf)

	closed := make(chan struct{})
	go conn.readLoop(func(f frame.Frame) {
		t.Errorf("unexpected frame: %v", f.Type)
	}, func() { close(closed) })

	buf := frame.Encode(frame.Frame{Type: frame.Type(77), ID: 1})
	require.Nil(t, client.WriteMessage(websocket.BinaryMessage, buf))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	require.NotNil(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got: %v", err)
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback not invoked")
	}
}

func TestConnectionNonStrictPassesUnknownType(t *testing.T) {
	conf := &Configuration{}
	conn, client := newConnectionPair(t, conf)

	frames := make(chan frame.Frame, 1)
	go conn.readLoop(func(f frame.Frame) { frames <- f }, func() {})

	buf := frame.Encode(frame.Frame{Type: frame.Type(77), ID: 9})
	require.Nil(t, client.WriteMessage(websocket.BinaryMessage, buf))

	select {
	case f := <-frames:
		assert.Equal(t, frame.Type(77), f.Type)
		assert.Equal(t, uint64(9), f.ID)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}
