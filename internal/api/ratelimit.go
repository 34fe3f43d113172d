package api

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/phishguard/phishguard/internal/service"
)

const maxTrackedClients = 4096

// clientLimiter keeps one token bucket per client address. The least recently
// seen clients are forgotten first.
type clientLimiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{clients: clients, limit: limit, burst: burst}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(client, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (a *App) rateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.allow(clientKey(r)) {
			a.svc.Metrics().IncRateLimited()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, service.CodeUnavailable, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
