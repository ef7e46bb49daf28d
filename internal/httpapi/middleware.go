package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/correlation"
	"evroaming/internal/metrics"
	"evroaming/internal/party"
	"evroaming/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Correlate resolves the request and correlation ids and echoes them on
// every response, errors included.
func Correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := correlation.FromRequest(r)
		ids.SetHeaders(w.Header())
		next.ServeHTTP(w, r.WithContext(correlation.WithIds(r.Context(), ids)))
	})
}

// Recover turns a panic into a server-error envelope.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					ids, _ := correlation.FromContext(r.Context())
					logger.Error("panic in handler",
						zap.Any("panic", rec), zap.String("path", r.URL.Path),
						zap.String("request_id", ids.RequestId), zap.ByteString("stack", debug.Stack()))
					writeError(w, r, apperrors.NewInternalError(fmt.Sprint(rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func Instrument(met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			met.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			met.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RequireParty resolves the calling party from the access token and the
// from-headers.
func RequireParty(parties *party.Registry, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, err := parties.Resolve(r.Header.Get("Authorization"),
				r.Header.Get(protocol.HeaderFromCountryCode), r.Header.Get(protocol.HeaderFromPartyId))
			if err != nil {
				ids, _ := correlation.FromContext(r.Context())
				logger.Info("request rejected",
					zap.String("path", r.URL.Path), zap.String("request_id", ids.RequestId), zap.Error(err))
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(party.WithBinding(r.Context(), b)))
		})
	}
}

type partyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// RateLimit limits each party separately. It must run after RequireParty.
// A zero rate disables limiting.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	pl := &partyLimiter{limiters: map[string]*rate.Limiter{}, rate: rate.Limit(rps), burst: burst}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := party.FromContext(r.Context())
			if !pl.allow(b.ProviderId()) {
				w.Header().Set("Retry-After", "1")
				writeEnvelope(w, r, http.StatusTooManyRequests, protocol.Response{
					StatusCode: apperrors.StatusClientError, StatusMessage: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (pl *partyLimiter) allow(key string) bool {
	pl.mu.Lock()
	l, ok := pl.limiters[key]
	if !ok {
		l = rate.NewLimiter(pl.rate, pl.burst)
		pl.limiters[key] = l
	}
	pl.mu.Unlock()
	return l.Allow()
}
