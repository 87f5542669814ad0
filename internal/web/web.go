// Package web carries the HTTP plumbing shared by the share and receive
// servers: JSON helpers, client address extraction, CORS, rate limiting,
// request logging, and the bind-port probe.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syndro/internal/logging"
	"syndro/internal/ratelimit"
)

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func DecodeJSON(w http.ResponseWriter, r *http.Request, dest any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.Decode(&struct{}{}) != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

// CORS applies the permissive policy both servers expose: any origin, with
// the range/disposition headers readable cross-origin so a browser client
// can drive resumable downloads. OPTIONS preflights return 200 with no body.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range, X-Transfer-Id, X-Chunk-Index, X-Chunk-Size, X-Chunk-Encrypted")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Content-Disposition, Content-Length, Content-Type, Accept-Ranges")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit rejects over-limit sources with 429 before they reach a
// handler. onReject, when non-nil, is called once per rejection so servers
// can count them.
func RateLimit(limiter *ratelimit.Limiter, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow(ClientIP(r)) {
				if onReject != nil {
					onReject()
				}
				WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one allowlisted key=value line per request.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unknown"
			}
			logging.Allowlist(logger, map[string]string{
				"method":      r.Method,
				"route":       route,
				"status":      strconv.Itoa(ww.Status()),
				"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
				"source":      ClientIP(r),
			})
		})
	}
}

// ProbeListen binds the first free TCP port starting at basePort, trying
// up to probeLimit increasing ports before giving up.
func ProbeListen(basePort, probeLimit int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < probeLimit; i++ {
		port := basePort + i
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return listener, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d: %w", basePort, basePort+probeLimit-1, lastErr)
}
