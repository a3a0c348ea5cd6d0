package proxy

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/craigderington/portswitch/pkg/types"
)

// ForwarderStats contains statistics for a listener and its connections
type ForwarderStats struct {
	BytesSent     int64
	BytesReceived int64
	Connections   int64
	ActiveConns   int64
	Requests      int64
	DialErrors    int64
	StartedAt     time.Time
	LastActivity  time.Time
}

// recorder counts data plane activity into both ForwarderStats and Prometheus
type recorder struct {
	mode    types.Mode
	metrics *Metrics

	stats ForwarderStats
	mu    sync.RWMutex
}

func newRecorder(mode types.Mode, metrics *Metrics) *recorder {
	now := time.Now()
	return &recorder{
		mode:    mode,
		metrics: metrics,
		stats: ForwarderStats{
			StartedAt:    now,
			LastActivity: now,
		},
	}
}

func (r *recorder) connOpened() {
	atomic.AddInt64(&r.stats.Connections, 1)
	atomic.AddInt64(&r.stats.ActiveConns, 1)
	if r.metrics != nil {
		r.metrics.ConnectionsTotal.WithLabelValues(string(r.mode)).Inc()
		r.metrics.ActiveConnections.Inc()
	}
	r.updateActivity()
}

func (r *recorder) connClosed() {
	atomic.AddInt64(&r.stats.ActiveConns, -1)
	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
}

// sent records bytes relayed from the client to the target
func (r *recorder) sent(n int64) {
	atomic.AddInt64(&r.stats.BytesSent, n)
	if r.metrics != nil {
		r.metrics.BytesTotal.WithLabelValues("client_to_target").Add(float64(n))
	}
	r.updateActivity()
}

// received records bytes relayed from the target back to the client
func (r *recorder) received(n int64) {
	atomic.AddInt64(&r.stats.BytesReceived, n)
	if r.metrics != nil {
		r.metrics.BytesTotal.WithLabelValues("target_to_client").Add(float64(n))
	}
	r.updateActivity()
}

func (r *recorder) dialError() {
	atomic.AddInt64(&r.stats.DialErrors, 1)
	if r.metrics != nil {
		r.metrics.DialErrorsTotal.Inc()
	}
}

func (r *recorder) request(status int) {
	atomic.AddInt64(&r.stats.Requests, 1)
	if r.metrics != nil {
		r.metrics.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
	r.updateActivity()
}

func (r *recorder) updateActivity() {
	r.mu.Lock()
	r.stats.LastActivity = time.Now()
	r.mu.Unlock()
}

// snapshot returns a copy of the current statistics
func (r *recorder) snapshot() ForwarderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ForwarderStats{
		BytesSent:     atomic.LoadInt64(&r.stats.BytesSent),
		BytesReceived: atomic.LoadInt64(&r.stats.BytesReceived),
		Connections:   atomic.LoadInt64(&r.stats.Connections),
		ActiveConns:   atomic.LoadInt64(&r.stats.ActiveConns),
		Requests:      atomic.LoadInt64(&r.stats.Requests),
		DialErrors:    atomic.LoadInt64(&r.stats.DialErrors),
		StartedAt:     r.stats.StartedAt,
		LastActivity:  r.stats.LastActivity,
	}
}
