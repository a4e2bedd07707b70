// Copyright 2023 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports session counters in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/session"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ssproxy"

// Collector counts the events of every session of one process.
type Collector struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessions       *prometheus.CounterVec
	sessionAge     *prometheus.HistogramVec
	bytes          *prometheus.CounterVec
	authFailures   prometheus.Counter
	rejections     *prometheus.CounterVec
}

var _ session.Metrics = (*Collector)(nil)

// New creates a Collector with its own registry. role is attached to every series.
func New(role string) *Collector {
	labels := prometheus.Labels{"role": role}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_sessions",
			Help:        "Number of sessions currently open.",
			ConstLabels: labels,
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sessions_closed_total",
			Help:        "Sessions closed, by close reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		sessionAge: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "session_duration_seconds",
			Help:        "Lifetime of closed sessions.",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 1, 10, 60, 300, 1800, 3600},
		}, []string{"reason"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_total",
			Help:        "Bytes relayed, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "authentication_failures_total",
			Help:        "Streams that failed authentication or reused a salt.",
			ConstLabels: labels,
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rejections_total",
			Help:        "SOCKS5 requests answered with a failure reply, by reply code.",
			ConstLabels: labels,
		}, []string{"code"}),
	}
	c.registry.MustRegister(
		c.activeSessions, c.sessions, c.sessionAge, c.bytes, c.authFailures, c.rejections,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) SessionOpened() {
	c.activeSessions.Inc()
}

func (c *Collector) SessionClosed(reason string, age time.Duration) {
	c.activeSessions.Dec()
	c.sessions.WithLabelValues(reason).Inc()
	c.sessionAge.WithLabelValues(reason).Observe(age.Seconds())
}

func (c *Collector) AddBytes(direction string, n int64) {
	c.bytes.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) AuthenticationFailed() {
	c.authFailures.Inc()
}

func (c *Collector) Rejected(code socks5.ReplyCode) {
	c.rejections.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// Registry returns the registry holding the collector's series.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server that exposes c on /metrics.
func NewServer(addr string, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
