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
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reliq/reliq/logger"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/reliq/reliq/rpc/frame"
)

// CloseSessionTakenOver is the close code sent on a connection which is
// replaced by a newer connection of the same session.
const CloseSessionTakenOver = 4000

// ErrConnectionClosed indicates that the connection is no longer able
// to send frames.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendQueueFull indicates that the per-connection send queue
// overflowed.
var ErrSendQueueFull = errors.New("send queue full")

const sendQueueSize = 128

// Conn is the transport surface the session layer relies on. It is
// implemented by Connection.
type Conn interface {
	// ID returns the unique identifier of the connection.
	ID() string

	// Address returns the remote network address of the connection.
	Address() string

	// SendFrame queues the frame for delivery without blocking.
	SendFrame(f frame.Frame) error

	// Close closes the connection with the given close code and reason.
	Close(code int, reason string)
}

// Connection wraps one WebSocket connection. It owns the socket, reads
// frames, writes frames from a per-connection send queue drained by a
// single writer, and signals the close event to the session layer. The
// connection maintains no RPC state.
type Connection struct {
	id         string
	ws         *websocket.Conn
	address    string
	sendCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter
	strict     bool
	textCompat bool
	log        logger.Logger
}

func newConnection(ws *websocket.Conn, conf *Configuration,
	log *logger.Logger) *Connection {

	id := xid.New().String()
	address := ws.RemoteAddr().String()

	c := &Connection{
		id:         id,
		ws:         ws,
		address:    address,
		sendCh:     make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		strict:     conf.StrictFrames,
		textCompat: conf.TextCompat,
		log:        logger.WithConnection(log, id, address),
	}

	ws.SetReadLimit(int64(maxFrameBytesOrDefault(conf.MaxFrameBytes)))
	if conf.RateLimit > 0 {
		burst := conf.RateBurst
		if burst <= 0 {
			burst = int(conf.RateLimit)
		}
		c.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), burst)
	}

	go c.writeLoop()
	return c
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() string { return c.id }

// Address returns the remote network address of the connection.
func (c *Connection) Address() string { return c.address }

// SendFrame queues the frame into the send queue without blocking. The
// connection is closed when the queue overflows.
func (c *Connection) SendFrame(f frame.Frame) error {
	buf := frame.Encode(f)

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- buf:
		return nil
	default:
		c.log.Warn().Msg("RPC Send queue overflow")
		c.Close(websocket.CloseMessageTooBig, "send queue overflow")
		return ErrSendQueueFull
	}
}

// Close closes the connection with the given close code and reason.
// Closing an already closed connection is a no-op.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.sendCh:
			err := c.ws.WriteMessage(websocket.BinaryMessage, buf)
			if err != nil {
				c.log.Debug().Msg("RPC Failed to write frame: " + err.Error())
				c.Close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		}
	}
}

// readLoop reads frames from the socket and delivers them, in receive
// order, to onFrame. It returns when the socket fails or is closed, and
// always runs onClose exactly once before returning.
func (c *Connection) readLoop(onFrame func(frame.Frame), onClose func()) {
	defer onClose()
	defer c.Close(websocket.CloseNormalClosure, "")

	for {
		msgType, buf, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug().Msg("RPC Connection was closed: " + err.Error())
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn().Msg("RPC Rate limit exceeded")
			c.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType == websocket.TextMessage {
			if !c.textCompat {
				c.Close(websocket.CloseUnsupportedData,
					"text messages not supported")
				return
			}

			// Compatibility mode: a text message is a DATA frame with
			// id 0 and the message body as the payload.
			onFrame(frame.Frame{Type: frame.DATA, Payload: buf})
			continue
		}

		f, err := frame.Decode(buf, c.strict)
		if err != nil {
			c.log.Warn().
				Int("Size", len(buf)).
				Msg("RPC Failed to decode frame: " + err.Error())
			c.Close(websocket.CloseProtocolError, err.Error())
			return
		}

		onFrame(f)
	}
}
