package api

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// WriteLimiter throttles requests that change proxy or target state, per
// client address. Status reads and the event stream are never limited so a
// throttled client can still watch what its earlier updates did.
type WriteLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	clients map[string]*clientLimit
	mu      sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewWriteLimiter allows perSecond state changes per client with bursts of burst
func NewWriteLimiter(perSecond float64, burst int) *WriteLimiter {
	if burst <= 0 {
		burst = 5
	}

	l := &WriteLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		clients: make(map[string]*clientLimit),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Reserve takes a token for client. When none is available it returns false
// and how long until one is.
func (l *WriteLimiter) Reserve(client string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	c, ok := l.clients[client]
	if !ok {
		c = &clientLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Stop ends the idle client sweep
func (l *WriteLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *WriteLimiter) sweepLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.stop:
			return
		}
	}
}

// sweep forgets clients idle for longer than the sweep interval
func (l *WriteLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for client, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idle {
			delete(l.clients, client)
		}
	}
}

// rateLimitMiddleware applies the write limiter to state-changing methods
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || !changesState(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		ok, wait := s.limiter.Reserve(clientAddr(r), time.Now())
		if !ok {
			endpoint := "unmatched"
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					endpoint = tpl
				}
			}
			s.metrics.RateLimited.WithLabelValues(r.Method, endpoint).Inc()
			s.logger.Warn().
				Str("client", clientAddr(r)).
				Str("endpoint", endpoint).
				Dur("retry_in", wait).
				Msg("Rate limit exceeded")
			s.RateLimitError(w, int(math.Ceil(wait.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func changesState(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// clientAddr keys the limiter by the peer address. The API is not meant to
// sit behind another proxy, so forwarding headers are not trusted.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
