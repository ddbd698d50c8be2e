// Package server provides health check and server statistics endpoints.
//
// This file implements /health, which reports uptime, HTTP request
// statistics, WebSocket connection counts, routed message counters and the
// storage backend in use.
package server

import (
	"net/http"
	"sync/atomic"
	"time"
)

// serverStats tracks server statistics.
// All counters are atomic for thread-safe access.
type serverStats struct {
	requestsTotal     atomic.Int64
	requestsSuccess   atomic.Int64
	requestsError     atomic.Int64
	responseTimeTotal atomic.Int64 // milliseconds
	responseTimeCount atomic.Int64
	connectionsTotal  atomic.Int64
	messagesIn        atomic.Int64
	rateLimited       atomic.Int64
	startTime         time.Time
}

func newServerStats() *serverStats {
	return &serverStats{startTime: time.Now()}
}

// recordResponseTime records a response time measurement.
func (s *serverStats) recordResponseTime(ms int64) {
	s.responseTimeTotal.Add(ms)
	s.responseTimeCount.Add(1)
}

// averageResponseTime returns average response time in milliseconds
func (s *serverStats) averageResponseTime() float64 {
	count := s.responseTimeCount.Load()
	if count == 0 {
		return 0
	}
	return float64(s.responseTimeTotal.Load()) / float64(count)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string       `json:"status"`
	Service       string       `json:"service"`
	Version       string       `json:"version"`
	Storage       string       `json:"storage"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	HTTP          HTTPStats    `json:"http"`
	WebSocket     SocketStats  `json:"websocket"`
	Messages      MessageStats `json:"messages"`
	Projects      int          `json:"projects"`
}

// HTTPStats are admin endpoint request counters.
type HTTPStats struct {
	RequestsTotal     int64   `json:"requests_total"`
	RequestsSuccess   int64   `json:"requests_success"`
	RequestsError     int64   `json:"requests_error"`
	ResponseTimeAvgMs float64 `json:"response_time_avg_ms"`
}

// SocketStats are connection counters.
type SocketStats struct {
	ConnectionsActive int   `json:"connections_active"`
	ConnectionsTotal  int64 `json:"connections_total"`
	Rooms             int   `json:"rooms"`
}

// MessageStats are inbound and outbound message counters.
type MessageStats struct {
	Received    int64 `json:"received"`
	Handled     int64 `json:"handled"`
	Rejected    int64 `json:"rejected"`
	RateLimited int64 `json:"rate_limited"`
	Broadcast   int64 `json:"broadcast"`
	Dropped     int64 `json:"dropped"`
}

// Version is reported by /health.
const Version = "1.0.0"

// Health returns a snapshot of server health.
func (s *Server) Health() HealthResponse {
	routed := s.handlers.Stats()
	hub := s.hub.Stats()
	return HealthResponse{
		Status:        "ok",
		Service:       "fablecraft-collab-relay",
		Version:       Version,
		Storage:       s.config.Storage.Driver,
		UptimeSeconds: int64(time.Since(s.stats.startTime).Seconds()),
		HTTP: HTTPStats{
			RequestsTotal:     s.stats.requestsTotal.Load(),
			RequestsSuccess:   s.stats.requestsSuccess.Load(),
			RequestsError:     s.stats.requestsError.Load(),
			ResponseTimeAvgMs: s.stats.averageResponseTime(),
		},
		WebSocket: SocketStats{
			ConnectionsActive: hub.Clients,
			ConnectionsTotal:  s.stats.connectionsTotal.Load(),
			Rooms:             hub.Rooms,
		},
		Messages: MessageStats{
			Received:    s.stats.messagesIn.Load(),
			Handled:     routed.Handled,
			Rejected:    routed.Rejected,
			RateLimited: s.stats.rateLimited.Load(),
			Broadcast:   hub.Broadcasts,
			Dropped:     hub.Dropped,
		},
		Projects: len(s.handlers.Store.ProjectIDs()),
	}
}

// handleHealth returns a comprehensive health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSONSafe(w, http.StatusOK, s.Health(), s.logger)
}
