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
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reliq/reliq/logger"
)

// ErrMaxSessions indicates that the server reached the maximum number
// of live sessions.
var ErrMaxSessions = errors.New("too many sessions")

type clientKey struct {
	clientID string
	deviceID string
}

// Store owns all live sessions. It maps session tokens to sessions,
// keeps the (client-id, device-id) index and the generic secondary
// index, and drives the TTL-based eviction through the shared
// scheduler.
//
// Lock ordering: the store mutex may be held while a session mutex is
// taken, never the reverse.
type Store struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	byClient map[clientKey]string
	index    *sessionIndex

	conf        *Configuration
	proto       Protocol
	disp        *Dispatcher
	sched       *Scheduler
	metrics     *metrics
	log         *logger.Logger
	undelivered UndeliveredCallback

	sweep *Handle
}

func newStore(conf *Configuration, proto Protocol, disp *Dispatcher,
	sched *Scheduler, mt *metrics, log *logger.Logger) *Store {

	return &Store{
		sessions: make(map[string]*Session),
		byClient: make(map[clientKey]string),
		index:    newSessionIndex(),
		conf:     conf,
		proto:    proto,
		disp:     disp,
		sched:    sched,
		metrics:  mt,
		log:      log,
	}
}

// newSessionToken generates the opaque 128-bit session token, rendered
// as a printable string beginning with "S".
func newSessionToken() string {
	id := uuid.New()
	return "S" + hex.EncodeToString(id[:])
}

// Attach resolves the session for the given identity. A valid,
// unexpired token resumes the existing session; otherwise a live
// session of the same (client-id, device-id) is reused; otherwise a new
// session is created. It returns the resolved session and whether a new
// one was created.
//
// Attach does not bind a connection; the caller attaches it to the
// returned session afterwards.
func (st *Store) Attach(clientID, deviceID, token string) (*Session, bool,
	error) {

	now := time.Now()
	key := clientKey{clientID: clientID, deviceID: deviceID}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if token != "" {
		if s, ok := st.sessions[token]; ok {
			if s.clientID == clientID && s.deviceID == deviceID &&
				!s.idleExpired(now) {
				st.log.Debug().
					Str("ClientId", clientID).
					Str("DeviceId", deviceID).
					Str("SessionToken", token).
					Msg("RPC Session resumed by token")
				st.metrics.recordSessionResumed()
				return s, false, nil
			}
		}
	}

	if token2, ok := st.byClient[key]; ok {
		if s, ok := st.sessions[token2]; ok && !s.idleExpired(now) {
			st.log.Debug().
				Str("ClientId", clientID).
				Str("DeviceId", deviceID).
				Str("SessionToken", token2).
				Msg("RPC Session reused by identity")
			st.metrics.recordSessionResumed()
			return s, false, nil
		}
	}

	if st.conf.MaxSessions > 0 && len(st.sessions) >= st.conf.MaxSessions {
		return nil, false, ErrMaxSessions
	}

	s := newSession(newSessionToken(), clientID, deviceID, st)
	s.undelivered = st.undelivered
	st.sessions[s.token] = s
	st.byClient[key] = s.token
	st.metrics.recordSessionCreated()

	st.log.Debug().
		Str("ClientId", clientID).
		Str("DeviceId", deviceID).
		Str("SessionToken", s.token).
		Msg("RPC New session created")
	return s, true, nil
}

// Detach clears the session's connection pointer and starts the idle
// TTL. It does not delete the session.
func (st *Store) Detach(token string) {
	st.mutex.RLock()
	s, ok := st.sessions[token]
	st.mutex.RUnlock()

	if !ok {
		return
	}
	s.detach()
}

// Evict removes the session from all indexes and destroys it.
func (st *Store) Evict(token string) {
	st.mutex.Lock()
	s, ok := st.sessions[token]
	if ok {
		delete(st.sessions, token)
		key := clientKey{clientID: s.clientID, deviceID: s.deviceID}
		if st.byClient[key] == token {
			delete(st.byClient, key)
		}
	}
	st.mutex.Unlock()

	if !ok {
		return
	}

	st.index.removeToken(token)
	s.destroy()
	st.metrics.recordSessionEvicted()

	st.log.Debug().
		Str("ClientId", s.clientID).
		Str("DeviceId", s.deviceID).
		Str("SessionToken", token).
		Msg("RPC Session evicted")
}

// Get returns the session with the given token.
func (st *Store) Get(token string) (*Session, bool) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	s, ok := st.sessions[token]
	return s, ok
}

// FindBy returns the live sessions whose indexed user key equals the
// given value. It returns an empty list when the key is not indexed or
// no session matches.
func (st *Store) FindBy(key, value string) []*Session {
	tokens := st.index.find(key, value)

	st.mutex.RLock()
	defer st.mutex.RUnlock()

	out := make([]*Session, 0, len(tokens))
	for _, token := range tokens {
		if s, ok := st.sessions[token]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Tokens returns the tokens of all live sessions.
func (st *Store) Tokens() []string {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	out := make([]string, 0, len(st.sessions))
	for token := range st.sessions {
		out = append(out, token)
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return len(st.sessions)
}

// startSweep arms the periodic TTL sweep on the shared scheduler.
func (st *Store) startSweep() {
	interval := st.conf.BaseRetry
	if interval <= 0 {
		interval = defaultBaseRetry
	}

	st.mutex.Lock()
	st.sweep = st.sched.Schedule(interval, func() {
		st.reap(time.Now())
		st.startSweep()
	})
	st.mutex.Unlock()
}

// stopSweep cancels the periodic TTL sweep.
func (st *Store) stopSweep() {
	st.mutex.Lock()
	sweep := st.sweep
	st.sweep = nil
	st.mutex.Unlock()
	sweep.Cancel()
}

// reap evicts every session whose idle TTL elapsed.
func (st *Store) reap(now time.Time) {
	st.mutex.RLock()
	var expired []string
	for token, s := range st.sessions {
		if s.idleExpired(now) {
			expired = append(expired, token)
		}
	}
	st.mutex.RUnlock()

	for _, token := range expired {
		st.Evict(token)
	}
}
