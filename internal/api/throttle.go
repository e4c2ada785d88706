package api

import (
	"net"
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// defaultThrottleClients bounds how many client IPs keep a token bucket.
const defaultThrottleClients = 10_000

// ipThrottle is a token bucket per client IP. Least recently seen clients
// are evicted once the cache is full and start over with a full bucket.
type ipThrottle struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

func newIPThrottle(perSecond float64, burst, maxClients int) *ipThrottle {
	if burst < 1 {
		burst = max(1, int(perSecond))
	}
	cache, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		// Only returned for a non-positive size.
		cache, _ = lru.New[string, *rate.Limiter](defaultThrottleClients)
	}
	return &ipThrottle{limit: rate.Limit(perSecond), burst: burst, clients: cache}
}

func (t *ipThrottle) limiter(ip string) *rate.Limiter {
	if l, ok := t.clients.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(t.limit, t.burst)
	if prev, ok, _ := t.clients.PeekOrAdd(ip, l); ok {
		return prev
	}
	return l
}

func (t *ipThrottle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)
		if !t.limiter(ip).Allow() {
			throttledTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(1/float64(t.limit)))))
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from a RemoteAddr. realIP may already have
// replaced it with a bare address.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
