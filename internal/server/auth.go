package server

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"breakline/internal/domain"
	"breakline/internal/engine"
	"breakline/internal/logger"
)

type sessionKey struct{}

func withSession(ctx context.Context, s engine.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFromContext(ctx context.Context) (engine.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(engine.Session)
	return s, ok
}

func sessionFromRequest(ctx context.Context) (engine.Session, huma.StatusError) {
	if s, ok := sessionFromContext(ctx); ok && s.Account.ID != "" {
		return s, nil
	}
	return engine.Session{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func principalFromRequest(ctx context.Context) (domain.Principal, huma.StatusError) {
	s, err := sessionFromRequest(ctx)
	if err != nil {
		return domain.Principal{}, err
	}
	return s.Principal(), nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPaths are served without a session.
func publicPaths(basePath string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range []string{"health", "auth/register", "auth/login", "openapi.json"} {
		out[path.Join(basePath, p)] = struct{}{}
	}
	return out
}

func newAuthMiddleware(basePath string, e engine.Engine, limiter *loginLimiter) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	loginPath := path.Join(basePath, "auth/login")
	watchPath := path.Join(basePath, "watch")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == loginPath && req.Method == http.MethodPost && !limiter.allow(clientAddr(req)) {
				logger.FromContext(req.Context()).WithField("addr", clientAddr(req)).Warn("login rate limited")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many login attempts", nil))
				return
			}
			if _, ok := public[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			token, ok := bearerToken(authz)
			if !ok && req.URL.Path == watchPath {
				// Browsers cannot set headers on a websocket handshake.
				token = strings.TrimSpace(req.URL.Query().Get("access_token"))
				ok = token != ""
			}
			if authz == "" && !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			sess, err := e.Authenticate(req.Context(), token)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			ctx, _ := logger.WithIdentity(req.Context(), sess.Account.Email)
			ctx = withSession(ctx, sess)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loginIdle is how long a bucket takes to refill completely. Buckets idle
// for longer are dropped, since a fresh one behaves the same.
const loginIdle = time.Minute

// loginLimiter keeps one token bucket per client address. A nil limiter
// allows everything.
type loginLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*loginBucket
	swept   time.Time
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLoginLimiter(perMinute int) *loginLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &loginLimiter{
		limit:   rate.Every(loginIdle / time.Duration(perMinute)),
		burst:   perMinute,
		now:     time.Now,
		buckets: map[string]*loginBucket{},
	}
}

func (l *loginLimiter) allow(addr string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) >= loginIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= loginIdle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[addr]
	if !ok {
		b = &loginBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[addr] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
