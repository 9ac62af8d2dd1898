package server

import (
	"StabilityPool/internal/observability"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket for the HTTP write routes.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	visitors  *xsync.Map[string, *visitor]
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewRateLimiter(requestsPerMinute, burst int, metrics *observability.Metrics) *RateLimiter {
	perSecond := float64(requestsPerMinute) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  xsync.NewMap[string, *visitor](),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Allow reports whether client may make another request.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()
	v, _ := rl.visitors.Compute(client, func(old *visitor, loaded bool) (*visitor, xsync.ComputeOp) {
		if !loaded {
			old = &visitor{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		}
		old.lastSeen = now
		return old, xsync.UpdateOp
	})
	return v.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)
	removed := 0
	rl.visitors.Range(func(client string, v *visitor) bool {
		if v.lastSeen.Before(cutoff) {
			rl.visitors.Delete(client)
			removed++
		}
		return true
	})
	return removed
}

// Wrap limits a gateway handler. route labels the rejection metric.
func (rl *RateLimiter) Wrap(mux *runtime.ServeMux, route string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if !rl.Allow(clientID(r)) {
			if rl.metrics != nil {
				rl.metrics.RateLimited.WithLabelValues(route).Inc()
			}
			runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r,
				status.Error(codes.ResourceExhausted, "rate limit exceeded"))
			return
		}
		next(w, r, params)
	}
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
