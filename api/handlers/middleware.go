package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/types"
)

type contextKey string

const tenantContextKey contextKey = "tenant_id"

// tenantFrom returns the authenticated tenant, or "" when auth is disabled.
func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantContextKey).(string)
	return tenant
}

// Chain applies the standard middleware stack around the API mux.
func Chain(next http.Handler, cfg config.ServerConfig, logger *zap.Logger) http.Handler {
	handler := next
	handler = RateLimit(handler, cfg)
	handler = Authenticate(handler, cfg)
	handler = RequestLog(handler, logger)
	handler = Trace(handler)
	return handler
}

// Trace wraps each request in a server span, continuing any trace context
// carried in the request headers. With telemetry disabled the global
// providers are noop and this costs nothing.
func Trace(next http.Handler) http.Handler {
	tracer := otel.Tracer("agentfabric/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLFull(r.URL.String()),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates the tenant bearer token and stashes the tenant id
// in the request context. An empty secret disables the check.
func Authenticate(next http.Handler, cfg config.ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.JWTSecret == "" || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, types.NewError(types.ErrInvalidMessage, "unexpected signing method")
			}
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(w, "invalid token")
			return
		}
		tenant, _ := claims["tenant_id"].(string)
		if tenant == "" {
			unauthorized(w, "token missing tenant_id claim")
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + msg + `"}`))
}

// tenantLimiters lazily creates one token bucket per tenant.
type tenantLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (t *tenantLimiters) get(tenant string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenant] = lim
	}
	return lim
}

// RateLimit enforces the per-tenant request rate. Requests without an
// authenticated tenant share the anonymous bucket.
func RateLimit(next http.Handler, cfg config.ServerConfig) http.Handler {
	if cfg.TenantRateLimit <= 0 {
		return next
	}
	limiters := &tenantLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(cfg.TenantRateLimit),
		burst:    cfg.TenantRateBurst,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		if tenant == "" {
			tenant = "anonymous"
		}
		if !limiters.get(tenant).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"RATE_LIMITED","message":"tenant request rate exceeded","retryable":true}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker for websocket
// upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// RequestLog logs one line per request.
func RequestLog(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
