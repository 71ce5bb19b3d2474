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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/reliq/reliq/logger"
	"go.uber.org/multierr"
)

type metrics struct {
	frames   *framesMetrics
	sessions *sessionsMetrics
	delivery *deliveryMetrics
	log      *logger.Logger
}

type framesMetrics struct {
	receivedTotal *prometheus.CounterVec
	sentTotal     *prometheus.CounterVec
}

type sessionsMetrics struct {
	createdTotal   prometheus.Counter
	resumedTotal   prometheus.Counter
	evictedTotal   prometheus.Counter
	activeSessions prometheus.Gauge
}

type deliveryMetrics struct {
	retriesTotal     prometheus.Counter
	undeliveredTotal prometheus.Counter
	handlerSeconds   prometheus.Histogram
}

func newMetrics(enabled bool, log *logger.Logger) *metrics {
	mt := &metrics{log: log}

	mt.frames = newFramesMetrics()
	mt.sessions = newSessionsMetrics()
	mt.delivery = newDeliveryMetrics()

	if enabled {
		err := mt.registerFramesMetrics()
		err = multierr.Combine(err, mt.registerSessionsMetrics())
		err = multierr.Combine(err, mt.registerDeliveryMetrics())
		if err != nil {
			log.Error().Msg("RPC Failed to register metrics: " + err.Error())
		}
	}

	return mt
}

func newFramesMetrics() *framesMetrics {
	fm := &framesMetrics{}

	fm.receivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "frames_received_total",
			Help:      "Number of frames received",
		}, []string{"type"},
	)

	fm.sentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "frames_sent_total",
			Help:      "Number of frames sent",
		}, []string{"type"},
	)

	return fm
}

func newSessionsMetrics() *sessionsMetrics {
	sm := &sessionsMetrics{}

	sm.createdTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "sessions_created_total",
			Help:      "Number of sessions created",
		},
	)

	sm.resumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "sessions_resumed_total",
			Help:      "Number of sessions resumed by token or identity",
		},
	)

	sm.evictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "sessions_evicted_total",
			Help:      "Number of sessions evicted by the idle TTL",
		},
	)

	sm.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		},
	)

	return sm
}

func newDeliveryMetrics() *deliveryMetrics {
	dm := &deliveryMetrics{}

	dm.retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "delivery_retries_total",
			Help:      "Number of frame retransmissions",
		},
	)

	dm.undeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "delivery_undelivered_total",
			Help:      "Number of deliveries dropped after exhausting retries",
		},
	)

	dm.handlerSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reliq",
			Subsystem: "rpc",
			Name:      "handler_duration_seconds",
			Help:      "Duration of the RPC pipeline in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1},
		},
	)

	return dm
}

func (mt *metrics) registerFramesMetrics() error {
	err := prometheus.Register(mt.frames.receivedTotal)
	err = multierr.Combine(err, prometheus.Register(mt.frames.sentTotal))
	return err
}

func (mt *metrics) registerSessionsMetrics() error {
	err := prometheus.Register(mt.sessions.createdTotal)
	err = multierr.Combine(err, prometheus.Register(mt.sessions.resumedTotal))
	err = multierr.Combine(err, prometheus.Register(mt.sessions.evictedTotal))
	err = multierr.Combine(err, prometheus.Register(mt.sessions.activeSessions))
	return err
}

func (mt *metrics) registerDeliveryMetrics() error {
	err := prometheus.Register(mt.delivery.retriesTotal)
	err = multierr.Combine(err, prometheus.Register(mt.delivery.undeliveredTotal))
	err = multierr.Combine(err, prometheus.Register(mt.delivery.handlerSeconds))
	return err
}

func (mt *metrics) recordFrameReceived(t string) {
	mt.frames.receivedTotal.WithLabelValues(t).Inc()
}

func (mt *metrics) recordFrameSent(t string) {
	mt.frames.sentTotal.WithLabelValues(t).Inc()
}

func (mt *metrics) recordSessionCreated() {
	mt.sessions.createdTotal.Inc()
	mt.sessions.activeSessions.Inc()
}

func (mt *metrics) recordSessionResumed() {
	mt.sessions.resumedTotal.Inc()
}

func (mt *metrics) recordSessionEvicted() {
	mt.sessions.evictedTotal.Inc()
	mt.sessions.activeSessions.Dec()
}

func (mt *metrics) recordRetry() {
	mt.delivery.retriesTotal.Inc()
}

func (mt *metrics) recordUndelivered() {
	mt.delivery.undeliveredTotal.Inc()
}

func (mt *metrics) recordHandlerLatency(d time.Duration) {
	mt.delivery.handlerSeconds.Observe(d.Seconds())
}
