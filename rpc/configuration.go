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
	"runtime"
	"time"
)

// QoS represents the delivery guarantee of a message.
type QoS byte

const (
	// QoS0 delivers the message at most once. No acknowledgement is
	// expected and no state is kept.
	QoS0 QoS = iota

	// QoS1 delivers the message at least once. The frame is kept in the
	// outbox and retransmitted until acknowledged.
	QoS1

	// QoS2 delivers the message exactly once using the four-phase
	// PREPARE / PREPARE_ACK / COMMIT / COMPLETE handshake.
	QoS2
)

var qosToString = map[QoS]string{
	QoS0: "AT_MOST_ONCE",
	QoS1: "AT_LEAST_ONCE",
	QoS2: "EXACTLY_ONCE",
}

// String returns the QoS in string format.
func (q QoS) String() string {
	n, ok := qosToString[q]
	if !ok {
		return "UNKNOWN"
	}

	return n
}

// Configuration holds the RPC server configuration.
type Configuration struct {
	// TCP address (<IP>:<port>) that the server will bind to.
	Address string

	// HTTP path which accepts the WebSocket upgrade.
	Path string

	// The amount of time a session survives without an attached
	// connection before it is evicted.
	IdleTTL time.Duration

	// First retry delay for unacknowledged frames.
	BaseRetry time.Duration

	// Ceiling for the exponential retry backoff.
	MaxBackoff time.Duration

	// Number of delivery attempts in any QoS stage before giving up.
	MaxRetries int

	// Retention of the inbound duplicate-detection entries. Zero keeps
	// the entries for the whole session lifetime.
	DedupWindow time.Duration

	// QoS level used for methods registered without an explicit one.
	QoSDefault QoS

	// The maximum size, in bytes, allowed for a single frame.
	MaxFrameBytes int

	// The maximum number of live sessions. Zero means unlimited.
	MaxSessions int

	// The maximum number of in-flight QoS1 frames per session.
	MaxOutboxPerSession int

	// Size of the worker pool which runs the RPC pipeline.
	Workers int

	// StrictFrames rejects frames whose type is outside the protocol.
	// When disabled, unknown types are passed through for forward
	// compatibility and dropped by the session.
	StrictFrames bool

	// TextCompat accepts text WebSocket messages as DATA frames with
	// id 0 and the message body as the payload.
	TextCompat bool

	// Inbound messages per second allowed per connection. Zero disables
	// the limiter.
	RateLimit float64

	// Burst size of the per-connection rate limiter.
	RateBurst int

	// MetricsEnabled registers the Prometheus collectors.
	MetricsEnabled bool
}

const (
	defaultAddress             = ":9010"
	defaultPath                = "/"
	defaultIdleTTL             = 3 * time.Second
	defaultBaseRetry           = 50 * time.Millisecond
	defaultMaxBackoff          = 200 * time.Millisecond
	defaultMaxRetries          = 3
	defaultMaxFrameBytes       = 65536
	defaultMaxOutboxPerSession = 1000
)

func addressOrDefault(addr string) string {
	if addr == "" {
		return defaultAddress
	}
	return addr
}

func pathOrDefault(path string) string {
	if path == "" {
		return defaultPath
	}
	return path
}

func idleTTLOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultIdleTTL
	}
	return ttl
}

func baseRetryOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultBaseRetry
	}
	return d
}

func maxBackoffOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultMaxBackoff
	}
	return d
}

func maxRetriesOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxRetries
	}
	return n
}

func maxFrameBytesOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxFrameBytes
	}
	return n
}

func maxOutboxOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxOutboxPerSession
	}
	return n
}

func workersOrDefault(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
