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
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Builtin error codes surfaced to peers as structured error responses.
const (
	// CodeMiddleware indicates that a middleware denied the request.
	CodeMiddleware = 2

	// CodeNotFound indicates an unknown method or an unparseable
	// payload.
	CodeNotFound = 3

	// CodeInternal indicates a failure inside the handler.
	CodeInternal = 99
)

// Error represents a structured RPC error surfaced to the peer.
type Error struct {
	// Code identifies the error class.
	Code int

	// Message is a human-readable description.
	Message string
}

// Error returns the error in string format.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %v: %v", e.Code, e.Message)
}

// ErrMalformedPayload indicates that the payload could not be parsed by
// the active protocol.
var ErrMalformedPayload = errors.New("malformed payload")

// Protocol turns a DATA payload into (method, body) and back. Only one
// protocol is active per server instance.
type Protocol interface {
	// Parse extracts the method name and the request body from an
	// inbound DATA payload.
	Parse(payload []byte) (method string, body []byte, err error)

	// Serialize produces the DATA payload for the given method and body.
	Serialize(method string, body []byte) []byte

	// SerializeError produces the DATA payload of an error response.
	SerializeError(e *Error) []byte
}

// TextProtocol is the default protocol. The payload is UTF-8 of the form
// "method:body" where the method is the longest prefix with no colon.
// Error responses are rendered as "error:<code>:<message>".
type TextProtocol struct{}

// Parse extracts the method name and the request body from the payload.
func (p TextProtocol) Parse(payload []byte) (string, []byte, error) {
	idx := bytes.IndexByte(payload, ':')
	if idx < 0 {
		return "", nil, ErrMalformedPayload
	}

	return string(payload[:idx]), payload[idx+1:], nil
}

// Serialize produces the payload for the given method and body.
func (p TextProtocol) Serialize(method string, body []byte) []byte {
	out := make([]byte, 0, len(method)+1+len(body))
	out = append(out, method...)
	out = append(out, ':')
	out = append(out, body...)
	return out
}

// SerializeError produces the payload of an error response.
func (p TextProtocol) SerializeError(e *Error) []byte {
	return []byte("error:" + strconv.Itoa(e.Code) + ":" + e.Message)
}
