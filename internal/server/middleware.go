// Package server provides HTTP middleware for request processing.
//
// This file contains the middleware that adds request IDs and CORS headers
// and records response times. The responseTimeWriter wraps
// http.ResponseWriter to capture response duration for /health statistics
// and keeps Hijack working so WebSocket upgrades pass through.
package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const headerRequestID = "X-Request-ID"

// responseTimeWriter wraps http.ResponseWriter to track response time.
type responseTimeWriter struct {
	http.ResponseWriter
	startTime time.Time
	written   bool
	status    int
	stats     *serverStats
}

// WriteHeader records the status and response time once.
func (w *responseTimeWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.written = true
	w.status = statusCode
	w.stats.recordResponseTime(time.Since(w.startTime).Milliseconds())
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write ensures response time is recorded even if WriteHeader wasn't called.
func (w *responseTimeWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer when it supports http.Flusher.
func (w *responseTimeWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader.
func (w *responseTimeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.written = true
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// AddRequestID adds a request ID to the response headers, reusing the
// caller's X-Request-ID when present.
func AddRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, requestID)
	return requestID
}

// AddCORSHeaders adds CORS headers to enable cross-origin requests.
// Only adds headers if an Origin header is present in the request.
func AddCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// withMiddleware wraps next with request IDs, CORS, preflight handling,
// request counting and response timing.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.activeReqs.Add(1)
		defer s.activeReqs.Add(-1)
		s.stats.requestsTotal.Add(1)

		AddRequestID(w, r)
		AddCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rtw := &responseTimeWriter{ResponseWriter: w, startTime: time.Now(), stats: s.stats}
		next.ServeHTTP(rtw, r)
		if rtw.status > 0 && rtw.status < http.StatusBadRequest {
			s.stats.requestsSuccess.Add(1)
		}
	})
}
