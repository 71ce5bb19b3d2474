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
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reliq/reliq/logger"

	"github.com/reliq/reliq/rpc/frame"
)

// ErrSessionEvicted indicates that the session was destroyed by the
// idle TTL.
var ErrSessionEvicted = errors.New("session evicted")

// ErrOutboxFull indicates that the session reached the maximum number
// of in-flight QoS1 frames.
var ErrOutboxFull = errors.New("outbox full")

// UndeliveredCallback is invoked when a QoS1 or QoS2 delivery is
// dropped after exhausting its retries.
type UndeliveredCallback func(sessionToken string, frameID uint64,
	payload []byte)

// outboxEntry is one in-flight QoS1 DATA frame awaiting ACK.
type outboxEntry struct {
	id        uint64
	payload   []byte
	attempts  int
	retry     *Handle
	createdAt time.Time
}

type q2Stage byte

// Stages of an outbound QoS2 transaction.
const (
	stagePreparing q2Stage = iota
	stageCommitting
	stageDelivering
	stageDone
)

var q2StageToString = map[q2Stage]string{
	stagePreparing:  "PREPARING",
	stageCommitting: "COMMITTING",
	stageDelivering: "DELIVERING",
	stageDone:       "DONE",
}

func (st q2Stage) String() string { return q2StageToString[st] }

// q2Outbound is a server-initiated exactly-once delivery. The state
// machine is the primary structure; the frames are derived from the
// current stage.
type q2Outbound struct {
	id       uint64
	payload  []byte
	stage    q2Stage
	attempts int
	retry    *Handle
}

// q2Inbound tracks one inbound exactly-once request. The handler runs
// at most once per frame id, between PREPARE_ACK and COMMIT.
type q2Inbound struct {
	id        uint64
	method    string
	body      []byte
	running   bool
	committed bool
	result    []byte
	attempts  int
	retry     *Handle
}

// Session holds the per-client reliability state: the attached
// connection, the QoS1 outbox, the QoS2 transaction tables, the inbound
// dedup set, the user state and the monotonic frame-id counter.
//
// All inbound frames, outbound emissions and retry callbacks of one
// session serialize on the session mutex; no two goroutines ever mutate
// the same session state concurrently.
type Session struct {
	mutex        sync.Mutex
	token        string
	clientID     string
	deviceID     string
	createdAt    time.Time
	lastActivity time.Time
	conn         Conn
	nextID       uint64

	outbox     list.List
	outboxElem map[uint64]*list.Element
	q2Out      map[uint64]*q2Outbound
	q2In       map[uint64]*q2Inbound
	seen       map[uint64]time.Time

	userData map[string]any
	indexed  map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	evicted bool

	conf        *Configuration
	proto       Protocol
	disp        *Dispatcher
	sched       *Scheduler
	store       *Store
	metrics     *metrics
	log         logger.Logger
	undelivered UndeliveredCallback
}

func newSession(token, clientID, deviceID string, st *Store) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Session{
		token:        token,
		clientID:     clientID,
		deviceID:     deviceID,
		createdAt:    now,
		lastActivity: now,
		nextID:       1,
		outboxElem:   make(map[uint64]*list.Element),
		q2Out:        make(map[uint64]*q2Outbound),
		q2In:         make(map[uint64]*q2Inbound),
		seen:         make(map[uint64]time.Time),
		userData:     make(map[string]any),
		indexed:      make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		conf:         st.conf,
		proto:        st.proto,
		disp:         st.disp,
		sched:        st.sched,
		store:        st,
		metrics:      st.metrics,
		log:          logger.WithSession(st.log, token, clientID),
		undelivered:  st.undelivered,
	}
}

// Token returns the opaque session token.
func (s *Session) Token() string { return s.token }

// ClientID returns the client identifier of the session owner.
func (s *Session) ClientID() string { return s.clientID }

// DeviceID returns the device identifier of the session owner.
func (s *Session) DeviceID() string { return s.deviceID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns the session lifecycle context. It is cancelled when
// the session is evicted.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) nextFrameIDLocked() uint64 {
	id := s.nextID
	s.nextID++
	if s.nextID == 0 {
		// Wrap-around is permitted; id 0 stays reserved for
		// "assign one for me".
		s.nextID = 1
	}
	return id
}

// attach binds the connection to the session, replaying every pending
// QoS1 frame and the current stage frame of every QoS2 transaction.
// The previously attached connection, if any, is closed with
// CloseSessionTakenOver before any frame is delivered on the new one,
// and is returned to the caller.
func (s *Session) attach(conn Conn) Conn {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	old := s.conn
	if old != nil {
		s.cancelTimersLocked()
		old.Close(CloseSessionTakenOver, "connection replaced by new client")
	}

	s.conn = conn
	s.lastActivity = time.Now()
	s.expireDedupLocked(s.lastActivity)

	s.log.Debug().
		Str("ConnectionId", conn.ID()).
		Str("DeviceId", s.deviceID).
		Int("InflightMessages", s.outbox.Len()).
		Msg("RPC Connection attached")

	for elem := s.outbox.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*outboxEntry)
		entry.attempts = 0
		s.emitLocked(frame.DATA, entry.id, entry.payload)
		s.scheduleOutboxRetryLocked(entry)
	}

	for _, txn := range s.q2Out {
		txn.attempts = 0
		s.emitQ2OutStageLocked(txn)
		s.scheduleQ2OutRetryLocked(txn)
	}

	for _, txn := range s.q2In {
		if txn.running {
			continue
		}
		txn.attempts = 0
		s.emitQ2InStageLocked(txn)
		s.scheduleQ2InRetryLocked(txn)
	}

	return old
}

// detach unbinds the connection. Pending outbox entries and QoS2
// transactions remain until TTL expiry or acknowledgement; only their
// timers are cancelled, to be re-armed on the next attach.
func (s *Session) detach() {
	s.detachIf(nil)
}

// detachIf unbinds the connection when it is still the attached one.
// A connection which was already replaced by a newer one does not
// detach the session. A nil conn detaches unconditionally.
func (s *Session) detachIf(conn Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil || (conn != nil && s.conn != conn) {
		return
	}

	s.log.Debug().
		Str("ConnectionId", s.conn.ID()).
		Msg("RPC Connection detached")

	s.conn = nil
	s.lastActivity = time.Now()
	s.cancelTimersLocked()
}

// destroy cancels all pending work and destroys the session state.
func (s *Session) destroy() {
	s.mutex.Lock()

	s.evicted = true
	s.cancel()
	s.cancelTimersLocked()
	s.outbox.Init()
	s.outboxElem = make(map[uint64]*list.Element)
	s.q2Out = make(map[uint64]*q2Outbound)
	s.q2In = make(map[uint64]*q2Inbound)
	s.seen = make(map[uint64]time.Time)

	conn := s.conn
	s.conn = nil
	s.mutex.Unlock()

	if conn != nil {
		conn.Close(websocketCloseGoingAway, "session evicted")
	}
}

const websocketCloseGoingAway = 1001

// idleExpired reports whether the session is eligible for eviction.
func (s *Session) idleExpired(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.conn == nil && now.Sub(s.lastActivity) >= s.conf.IdleTTL
}

func (s *Session) cancelTimersLocked() {
	for elem := s.outbox.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*outboxEntry)
		entry.retry.Cancel()
		entry.retry = nil
	}
	for _, txn := range s.q2Out {
		txn.retry.Cancel()
		txn.retry = nil
	}
	for _, txn := range s.q2In {
		txn.retry.Cancel()
		txn.retry = nil
	}
}

// expireDedupLocked drops dedup entries older than the configured
// window. With the default window (zero), entries are kept for the
// whole session lifetime.
func (s *Session) expireDedupLocked(now time.Time) {
	if s.conf.DedupWindow <= 0 {
		return
	}
	for id, at := range s.seen {
		if now.Sub(at) >= s.conf.DedupWindow {
			delete(s.seen, id)
		}
	}
}

// Send enqueues a server-initiated message to the peer at the given
// QoS.
func (s *Session) Send(payload []byte, qos QoS) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.evicted {
		return ErrSessionEvicted
	}

	switch qos {
	case QoS1:
		if s.outbox.Len() >= maxOutboxOrDefault(s.conf.MaxOutboxPerSession) {
			return ErrOutboxFull
		}
		s.enqueueOutboxLocked(s.nextFrameIDLocked(), payload)
	case QoS2:
		id := s.nextFrameIDLocked()
		txn := &q2Outbound{
			id:      id,
			payload: append([]byte{}, payload...),
			stage:   stagePreparing,
		}
		s.q2Out[id] = txn
		s.emitLocked(frame.PREPARE, id, nil)
		s.scheduleQ2OutRetryLocked(txn)
	default:
		// At most once: emitted only when a connection is attached,
		// no bookkeeping.
		s.emitLocked(frame.DATA, s.nextFrameIDLocked(), payload)
	}

	return nil
}

// Set stores a user key/value pair. Indexed keys are propagated to the
// store's secondary index.
func (s *Session) Set(key string, value any, indexed bool) {
	s.mutex.Lock()
	if s.evicted {
		s.mutex.Unlock()
		return
	}
	s.userData[key] = value
	_, wasIndexed := s.indexed[key]
	if indexed {
		s.indexed[key] = struct{}{}
	} else {
		delete(s.indexed, key)
	}
	s.mutex.Unlock()

	if indexed {
		s.store.index.set(s.token, key, fmt.Sprint(value))
	} else if wasIndexed {
		s.store.index.removeField(s.token, key)
	}
}

// Get returns the value stored under the given key.
func (s *Session) Get(key string) (any, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	v, ok := s.userData[key]
	return v, ok
}

// Delete removes the given key from the user state and from the
// secondary index.
func (s *Session) Delete(key string) {
	s.mutex.Lock()
	delete(s.userData, key)
	_, wasIndexed := s.indexed[key]
	delete(s.indexed, key)
	s.mutex.Unlock()

	if wasIndexed {
		s.store.index.removeField(s.token, key)
	}
}

// onFrame processes one inbound frame. Frames of one connection arrive
// here in receive order.
func (s *Session) onFrame(f frame.Frame) {
	s.metrics.recordFrameReceived(f.Type.String())

	switch f.Type {
	case frame.DATA:
		s.handleData(f)
	case frame.ACK:
		s.handleAck(f.ID)
	case frame.PREPAREACK:
		s.handlePrepareAck(f.ID)
	case frame.COMPLETE:
		s.handleComplete(f.ID)
	default:
		s.log.Warn().
			Uint64("FrameId", f.ID).
			Str("FrameType", f.Type.String()).
			Msg("RPC Dropping unexpected frame")
	}
}

func (s *Session) handleData(f frame.Frame) {
	now := time.Now()

	s.mutex.Lock()
	s.lastActivity = now
	s.expireDedupLocked(now)

	if f.ID != 0 {
		if _, dup := s.seen[f.ID]; dup {
			// Client-side retransmission. For a pending exactly-once
			// transaction the current stage frame is resent; anything
			// else is dropped silently.
			if txn, ok := s.q2In[f.ID]; ok && !txn.running {
				s.emitQ2InStageLocked(txn)
			}
			s.log.Debug().
				Uint64("FrameId", f.ID).
				Msg("RPC Dropping duplicate DATA frame")
			s.mutex.Unlock()
			return
		}
	}

	method, body, err := s.proto.Parse(f.Payload)
	if err != nil {
		respID := f.ID
		if respID == 0 {
			respID = s.nextFrameIDLocked()
		}
		s.log.Debug().
			Uint64("FrameId", f.ID).
			Msg("RPC Failed to parse DATA payload: " + err.Error())
		s.emitLocked(frame.DATA, respID,
			s.proto.SerializeError(&Error{Code: CodeNotFound,
				Message: "failed to parse request"}))
		s.mutex.Unlock()
		return
	}

	if f.ID != 0 {
		s.seen[f.ID] = now
	}

	qos, registered := s.disp.Route(method)

	s.log.Trace().
		Uint64("FrameId", f.ID).
		Str("Method", method).
		Str("QoS", qos.String()).
		Msg("RPC Received DATA frame")

	// The inbound frame is acknowledged right after the dedup insert;
	// the response is delivered separately under QoS1 rules.
	if registered && qos == QoS1 && f.ID != 0 {
		s.emitLocked(frame.ACK, f.ID, nil)
	}

	if registered && qos == QoS2 {
		txnID := f.ID
		if txnID == 0 {
			txnID = s.nextFrameIDLocked()
		}
		if txn, ok := s.q2In[txnID]; ok {
			if !txn.running {
				s.emitQ2InStageLocked(txn)
			}
			s.mutex.Unlock()
			return
		}

		txn := &q2Inbound{
			id:     txnID,
			method: method,
			body:   append([]byte{}, body...),
		}
		s.q2In[txnID] = txn
		s.emitLocked(frame.PREPARE, txnID, nil)
		s.scheduleQ2InRetryLocked(txn)
		s.mutex.Unlock()
		return
	}

	ctx := s.ctx
	s.mutex.Unlock()

	// The pipeline runs on the worker pool; the read loop waits for it,
	// keeping inbound processing serialized with respect to the session.
	res := s.disp.Dispatch(ctx, s, method, body)
	payload, has := responsePayload(s.proto, res)
	if !has {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.evicted {
		return
	}

	respID := f.ID
	if respID == 0 {
		respID = s.nextFrameIDLocked()
	}

	if registered && qos == QoS1 && res.Err == nil {
		s.enqueueOutboxLocked(respID, payload)
		return
	}
	s.emitLocked(frame.DATA, respID, payload)
}

func (s *Session) handleAck(id uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActivity = time.Now()

	if elem, ok := s.outboxElem[id]; ok {
		entry := elem.Value.(*outboxEntry)
		entry.retry.Cancel()
		s.outbox.Remove(elem)
		delete(s.outboxElem, id)

		s.log.Debug().
			Uint64("FrameId", id).
			Int("InflightMessages", s.outbox.Len()).
			Msg("RPC Message delivered (ACK)")
		return
	}

	if txn, ok := s.q2Out[id]; ok && txn.stage == stageDelivering {
		txn.retry.Cancel()
		txn.stage = stageDone
		delete(s.q2Out, id)

		s.log.Debug().
			Uint64("FrameId", id).
			Msg("RPC Exactly-once delivery completed (ACK)")
		return
	}

	s.log.Warn().
		Uint64("FrameId", id).
		Msg("RPC Received ACK with unknown frame ID")
}

func (s *Session) handlePrepareAck(id uint64) {
	s.mutex.Lock()
	s.lastActivity = time.Now()

	if txn, ok := s.q2In[id]; ok {
		if txn.committed {
			// Duplicate PREPARE_ACK; resend the current stage frame.
			s.emitLocked(frame.COMMIT, id, nil)
			s.mutex.Unlock()
			return
		}
		if txn.running {
			s.mutex.Unlock()
			return
		}

		txn.running = true
		txn.retry.Cancel()
		txn.retry = nil
		method, body, ctx := txn.method, txn.body, s.ctx
		s.mutex.Unlock()

		// The handler runs exactly once per frame id, between
		// PREPARE_ACK and COMMIT.
		res := s.disp.Dispatch(ctx, s, method, body)
		payload, _ := responsePayload(s.proto, res)

		s.mutex.Lock()
		defer s.mutex.Unlock()
		if s.evicted {
			return
		}
		txn.running = false
		txn.committed = true
		txn.result = payload
		txn.attempts = 0
		s.emitLocked(frame.COMMIT, id, nil)
		s.scheduleQ2InRetryLocked(txn)
		return
	}

	if txn, ok := s.q2Out[id]; ok {
		switch txn.stage {
		case stagePreparing:
			txn.retry.Cancel()
			txn.stage = stageCommitting
			txn.attempts = 0
			s.emitLocked(frame.COMMIT, id, nil)
			s.scheduleQ2OutRetryLocked(txn)
		case stageCommitting:
			// Duplicate PREPARE_ACK; resend the current stage frame.
			s.emitLocked(frame.COMMIT, id, nil)
		case stageDelivering:
			// PREPARE_ACK retransmitted from a previous stage; resend
			// the current stage frame.
			s.emitLocked(frame.DATA, id, txn.payload)
		}
		s.mutex.Unlock()
		return
	}

	s.log.Warn().
		Uint64("FrameId", id).
		Msg("RPC Received PREPARE_ACK with unknown frame ID")
	s.mutex.Unlock()
}

func (s *Session) handleComplete(id uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActivity = time.Now()

	if txn, ok := s.q2In[id]; ok {
		if !txn.committed {
			// COMPLETE before the handler finished; the commit retry
			// will bring the peer back in sync.
			return
		}
		txn.retry.Cancel()
		delete(s.q2In, id)
		s.emitLocked(frame.DATA, id, txn.result)

		s.log.Debug().
			Uint64("FrameId", id).
			Str("Method", txn.method).
			Msg("RPC Exactly-once request completed")
		return
	}

	if txn, ok := s.q2Out[id]; ok {
		switch txn.stage {
		case stageCommitting:
			txn.retry.Cancel()
			txn.stage = stageDelivering
			txn.attempts = 0
			s.emitLocked(frame.DATA, id, txn.payload)
			s.scheduleQ2OutRetryLocked(txn)
		case stageDelivering:
			// Duplicate COMPLETE; resend the current stage frame.
			s.emitLocked(frame.DATA, id, txn.payload)
		}
		return
	}

	s.log.Warn().
		Uint64("FrameId", id).
		Msg("RPC Received COMPLETE with unknown frame ID")
}

func (s *Session) enqueueOutboxLocked(id uint64, payload []byte) {
	entry := &outboxEntry{
		id:        id,
		payload:   append([]byte{}, payload...),
		createdAt: time.Now(),
	}
	s.outboxElem[id] = s.outbox.PushBack(entry)
	s.emitLocked(frame.DATA, id, entry.payload)
	s.scheduleOutboxRetryLocked(entry)
}

func (s *Session) emitLocked(t frame.Type, id uint64, payload []byte) {
	if s.conn == nil {
		return
	}

	err := s.conn.SendFrame(frame.Frame{Type: t, ID: id, Payload: payload})
	if err != nil {
		s.log.Debug().
			Uint64("FrameId", id).
			Str("FrameType", t.String()).
			Msg("RPC Failed to send frame: " + err.Error())
		return
	}
	s.metrics.recordFrameSent(t.String())
}

func (s *Session) emitQ2OutStageLocked(txn *q2Outbound) {
	switch txn.stage {
	case stagePreparing:
		s.emitLocked(frame.PREPARE, txn.id, nil)
	case stageCommitting:
		s.emitLocked(frame.COMMIT, txn.id, nil)
	case stageDelivering:
		s.emitLocked(frame.DATA, txn.id, txn.payload)
	}
}

func (s *Session) emitQ2InStageLocked(txn *q2Inbound) {
	if txn.committed {
		s.emitLocked(frame.COMMIT, txn.id, nil)
	} else {
		s.emitLocked(frame.PREPARE, txn.id, nil)
	}
}

func (s *Session) scheduleOutboxRetryLocked(e *outboxEntry) {
	delay := backoffDelay(s.conf.BaseRetry, s.conf.MaxBackoff, e.attempts)
	e.retry = s.sched.Schedule(delay, func() { s.retryOutbox(e.id) })
}

func (s *Session) scheduleQ2OutRetryLocked(txn *q2Outbound) {
	delay := backoffDelay(s.conf.BaseRetry, s.conf.MaxBackoff, txn.attempts)
	txn.retry = s.sched.Schedule(delay, func() { s.retryQ2Out(txn.id) })
}

func (s *Session) scheduleQ2InRetryLocked(txn *q2Inbound) {
	delay := backoffDelay(s.conf.BaseRetry, s.conf.MaxBackoff, txn.attempts)
	txn.retry = s.sched.Schedule(delay, func() { s.retryQ2In(txn.id) })
}

func (s *Session) retryOutbox(id uint64) {
	s.mutex.Lock()

	if s.evicted || s.conn == nil {
		s.mutex.Unlock()
		return
	}
	elem, ok := s.outboxElem[id]
	if !ok {
		s.mutex.Unlock()
		return
	}
	entry := elem.Value.(*outboxEntry)

	if entry.attempts >= maxRetriesOrDefault(s.conf.MaxRetries) {
		s.outbox.Remove(elem)
		delete(s.outboxElem, id)
		s.metrics.recordUndelivered()
		s.log.Warn().
			Int("Attempts", entry.attempts).
			Uint64("FrameId", id).
			Msg("RPC Delivery failed after max retries")
		cb, payload := s.undelivered, entry.payload
		s.mutex.Unlock()
		if cb != nil {
			cb(s.token, id, payload)
		}
		return
	}

	entry.attempts++
	s.metrics.recordRetry()
	s.emitLocked(frame.DATA, id, entry.payload)
	s.scheduleOutboxRetryLocked(entry)
	s.mutex.Unlock()
}

func (s *Session) retryQ2Out(id uint64) {
	s.mutex.Lock()

	if s.evicted || s.conn == nil {
		s.mutex.Unlock()
		return
	}
	txn, ok := s.q2Out[id]
	if !ok {
		s.mutex.Unlock()
		return
	}

	if txn.attempts >= maxRetriesOrDefault(s.conf.MaxRetries) {
		delete(s.q2Out, id)
		s.metrics.recordUndelivered()
		s.log.Warn().
			Int("Attempts", txn.attempts).
			Uint64("FrameId", id).
			Str("Stage", txn.stage.String()).
			Msg("RPC Exactly-once delivery failed after max retries")
		cb, payload := s.undelivered, txn.payload
		s.mutex.Unlock()
		if cb != nil {
			cb(s.token, id, payload)
		}
		return
	}

	txn.attempts++
	s.metrics.recordRetry()
	s.emitQ2OutStageLocked(txn)
	s.scheduleQ2OutRetryLocked(txn)
	s.mutex.Unlock()
}

func (s *Session) retryQ2In(id uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.evicted || s.conn == nil {
		return
	}
	txn, ok := s.q2In[id]
	if !ok || txn.running {
		return
	}

	if txn.attempts >= maxRetriesOrDefault(s.conf.MaxRetries) {
		delete(s.q2In, id)
		s.metrics.recordUndelivered()
		s.log.Warn().
			Int("Attempts", txn.attempts).
			Uint64("FrameId", id).
			Str("Method", txn.method).
			Msg("RPC Exactly-once request abandoned after max retries")
		return
	}

	txn.attempts++
	s.metrics.recordRetry()
	s.emitQ2InStageLocked(txn)
	s.scheduleQ2InRetryLocked(txn)
}

// responsePayload turns a pipeline result into the response payload
// bytes. Errors always produce a payload; a successful pipeline without
// a response produces none.
func responsePayload(proto Protocol, res Result) ([]byte, bool) {
	if res.Err != nil {
		return proto.SerializeError(res.Err), true
	}
	if !res.HasResponse {
		return nil, false
	}
	return res.Response, true
}
