// Package server provides the FableCraft collaboration relay: a WebSocket
// server that routes client messages to the collaboration handlers and
// fans their broadcasts out to room subscribers.
//
// Key Features:
//   - Room-based WebSocket fan-out (project, world and user rooms)
//   - Optimistic entity edits persisted through a pluggable store
//     (in-memory with optional JSON file persistence, or SQLite)
//   - Periodic eviction of stale typing indicators
//   - Per-connection inbound rate limiting
//   - /health and /state admin endpoints with CORS support
//
// Usage:
//
//	config, _ := server.LoadConfig("")
//	srv, err := server.NewServer(config, logger)
//	srv.Start()
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// Server represents the collaboration relay.
// It manages the HTTP server lifecycle, the hub, the collaboration
// handlers, the entity store and its persistence.
type Server struct {
	config      *Config
	logger      logging.Logger
	httpServer  *http.Server
	hub         *Hub
	handlers    *collab.Handlers
	storage     storage.Storage
	persistence *storage.Persistence
	upgrader    websocket.Upgrader
	stats       *serverStats
	activeReqs  atomic.Int64

	// ctx bounds work that outlives a single message, such as generation
	// sequences. Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	stopSweeper func()
	stopOnce    sync.Once
	stopErr     error
}

// NewServer creates a relay from config. It opens the configured store,
// seeds it, wires the collaboration handlers to the hub and starts the
// typing indicator sweeper.
func NewServer(config *Config, logger logging.Logger) (*Server, error) {
	if config == nil {
		return nil, errors.New("server: nil config")
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	st, persistence, err := openStorage(config, logger)
	if err != nil {
		return nil, err
	}

	if n, err := storage.Seed(context.Background(), st, config.Seed); err != nil {
		_ = persistence.Stop()
		_ = st.Close()
		return nil, err
	} else if n > 0 {
		logger.Infow("seeded store", "created", n)
	}

	hub := NewHub(logger)
	handlers := collab.NewHandlers(config.CollabConfig(), collab.Deps{
		Broadcaster: hub,
		Storage:     st,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      config,
		logger:      logger.WithComponent("server"),
		hub:         hub,
		handlers:    handlers,
		storage:     st,
		persistence: persistence,
		stats:       newServerStats(),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleStateList)
	mux.HandleFunc("GET /state/{projectId}", s.handleProjectState)

	s.httpServer = &http.Server{
		Addr:        config.Addr(),
		Handler:     s.withMiddleware(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	stop, err := handlers.Sweeper.Start()
	if err != nil {
		cancel()
		return nil, err
	}
	s.stopSweeper = stop
	return s, nil
}

// openStorage opens the configured backend. Persistence is only set for
// the memory driver with persistence enabled.
func openStorage(config *Config, logger logging.Logger) (storage.Storage, *storage.Persistence, error) {
	switch config.Storage.Driver {
	case DriverSQLite:
		path := config.SQLitePath()
		st, err := storage.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Infow("using sqlite storage", "path", path)
		return st, nil, nil

	default:
		mem := storage.NewMemoryStore()
		pcfg := config.Storage.Persistence
		export, err := storage.LoadStoreFromFile(&pcfg)
		if err != nil {
			logger.Warnw("failed to load persisted store, starting empty", "error", err)
		} else if export != nil {
			mem.Import(export)
			logger.Infow("loaded persisted store", "projects", len(export.Projects), "characters", len(export.Characters))
		}
		persistence := storage.NewPersistence(mem, &pcfg, logger)
		if persistence != nil {
			logger.Infow("store persistence enabled", "file", persistence.FilePath(),
				"auto_save", pcfg.AutoSave, "interval_sec", pcfg.SaveInterval)
		}
		return mem, persistence, nil
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleWebSocket upgrades the request and starts the client's pumps.
// userId identifies the user when messages omit it; email subscribes the
// connection to its user room for invites.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	query := r.URL.Query()
	c := newClient(uuid.NewString(), query.Get("userId"), s.hub, conn,
		s.config.Server.SendBufferSize, newLimiter(s.config.RateLimit), s.logger)
	s.hub.register(c)
	if email := query.Get("email"); email != "" {
		c.Subscribe(collab.UserRoom(email))
	}
	s.stats.connectionsTotal.Add(1)
	c.logger.Debugw("client connected", "user", c.userID)

	go c.writePump()
	go c.readPump(s, s.config.Server.MaxMessageBytes)
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Handlers exposes the collaboration handlers.
func (s *Server) Handlers() *collab.Handlers {
	return s.handlers
}

// Hub exposes the broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// GetURL returns the server URL.
func (s *Server) GetURL() string {
	return fmt.Sprintf("http://%s", s.config.Addr())
}

// Start listens on the configured address and serves until Stop.
// Returns http.ErrServerClosed after a graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	addr := ln.Addr().String()
	s.logger.Infow("collaboration relay starting",
		"ws", fmt.Sprintf("ws://%s/ws", addr),
		"health", fmt.Sprintf("http://%s/health", addr),
		"storage", s.config.Storage.Driver)
	if s.persistence != nil {
		s.logger.Infow("store persistence: ENABLED", "file", s.persistence.FilePath())
	}
	return s.httpServer.Serve(ln)
}

// Stop gracefully stops the relay: it stops accepting requests, waits for
// in-flight admin requests, stops the sweeper, cancels running generation
// sequences, closes every connection, flushes persistence and closes the
// store. Calling Stop more than once returns the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Infow("stopping collaboration relay")

	shutdownErr := s.httpServer.Shutdown(ctx)
	if active := s.activeReqs.Load(); active > 0 {
		s.logger.Warnw("requests still in progress, proceeding with shutdown", "active", active)
	}

	s.stopSweeper()
	s.cancel()
	s.hub.closeAll()
	s.handlers.Close()

	var errs []error
	if shutdownErr != nil {
		errs = append(errs, shutdownErr)
	}
	if err := s.persistence.Stop(); err != nil {
		s.logger.Errorw("failed to save store", "error", err)
		errs = append(errs, err)
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
