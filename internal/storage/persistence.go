// Package storage handles saving and loading the memory store to/from disk.
//
// This file manages persistence of a MemoryStore with automatic periodic
// saves, retry logic for failed saves, and loading on server startup. Saves
// are atomic (temp file + rename).
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// Constants for persistence retry logic
const (
	// SaveMaxRetries is the maximum number of attempts for one save
	SaveMaxRetries = 3
	// SaveInitialBackoff is the delay before the first retry
	SaveInitialBackoff = 100 * time.Millisecond
	// maxConsecutiveFailures disables auto-save after this many failed ticks
	maxConsecutiveFailures = 5
)

// PersistenceConfig controls saving the memory store to disk.
type PersistenceConfig struct {
	Enabled      bool   `json:"enabled,omitempty" yaml:"enabled"`             // Enable persistence (default: false)
	FilePath     string `json:"file_path,omitempty" yaml:"file_path"`         // State file (default: ~/.fablecraft/store.json)
	AutoSave     bool   `json:"auto_save,omitempty" yaml:"auto_save"`         // Save on an interval
	SaveInterval int    `json:"save_interval,omitempty" yaml:"save_interval"` // Auto-save interval in seconds
}

// Persistence saves a MemoryStore to a JSON file.
type Persistence struct {
	config              *PersistenceConfig
	store               *MemoryStore
	logger              logging.Logger
	mu                  sync.Mutex
	lastSave            time.Time
	saveTicker          *time.Ticker
	stopChan            chan struct{}
	stopOnce            sync.Once
	done                chan struct{}
	consecutiveFailures int
}

// NewPersistence creates a persistence manager for store.
// Returns nil if persistence is disabled. Starts the auto-save goroutine
// when configured.
func NewPersistence(store *MemoryStore, config *PersistenceConfig, logger logging.Logger) *Persistence {
	if config == nil || !config.Enabled {
		return nil
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	cfg := *config
	if cfg.FilePath == "" {
		cfg.FilePath = defaultStorePath()
	}

	p := &Persistence{
		config:   &cfg,
		store:    store,
		logger:   logger.WithComponent("persistence"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.AutoSave && cfg.SaveInterval > 0 {
		p.startAutoSave()
	} else {
		close(p.done)
	}
	return p
}

func defaultStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fablecraft", "store.json")
	}
	return filepath.Join(homeDir, ".fablecraft", "store.json")
}

// FilePath returns the resolved path of the state file.
func (p *Persistence) FilePath() string {
	return p.config.FilePath
}

// LoadStoreFromFile reads a StoreExport from the configured file.
// Returns nil, nil if persistence is disabled or the file does not exist.
func LoadStoreFromFile(config *PersistenceConfig) (*StoreExport, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	filePath := config.FilePath
	if filePath == "" {
		filePath = defaultStorePath()
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var export StoreExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}
	return &export, nil
}

// SaveWithRetry saves the store, retrying with exponential backoff.
func (p *Persistence) SaveWithRetry() error {
	var lastErr error
	for attempt := 0; attempt < SaveMaxRetries; attempt++ {
		if attempt > 0 {
			// 100ms, 200ms, 400ms
			time.Sleep(SaveInitialBackoff * time.Duration(1<<uint(attempt-1)))
		}
		err := p.Save()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d attempts: %w", SaveMaxRetries, lastErr)
}

// Save writes the store to disk atomically.
func (p *Persistence) Save() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(p.store.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.config.FilePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := p.config.FilePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tempFile, p.config.FilePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	p.lastSave = time.Now()
	return nil
}

// LastSave returns the time of the last successful save.
func (p *Persistence) LastSave() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSave
}

func (p *Persistence) startAutoSave() {
	p.saveTicker = time.NewTicker(time.Duration(p.config.SaveInterval) * time.Second)
	go func() {
		defer close(p.done)
		defer p.saveTicker.Stop()
		for {
			select {
			case <-p.saveTicker.C:
				if err := p.SaveWithRetry(); err != nil {
					p.mu.Lock()
					p.consecutiveFailures++
					failures := p.consecutiveFailures
					p.mu.Unlock()

					if failures >= maxConsecutiveFailures {
						p.logger.Errorw("auto-save disabled after repeated failures", "failures", failures, "error", err)
						return
					}
					p.logger.Warnw("auto-save failed", "attempt", failures, "max", maxConsecutiveFailures, "error", err)
				} else {
					p.mu.Lock()
					p.consecutiveFailures = 0
					p.mu.Unlock()
				}
			case <-p.stopChan:
				return
			}
		}
	}()
}

// Stop stops auto-save and performs a final save.
func (p *Persistence) Stop() error {
	if p == nil {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.done
	return p.Save()
}
