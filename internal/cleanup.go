package internal

import (
	"sync"

	"github.com/rs/zerolog"
)

// CleanupManager tracks per-session resources and releases them in LIFO order.
type CleanupManager struct {
	mu     sync.Mutex
	funcs  []cleanupFunc
	logger zerolog.Logger
}

type cleanupFunc struct {
	name string
	fn   func() error
}

// NewCleanupManager creates a cleanup manager that reports failures to logger.
func NewCleanupManager(logger zerolog.Logger) *CleanupManager {
	return &CleanupManager{logger: logger}
}

// Add registers a cleanup function. Functions are executed in LIFO order
// (last added, first executed).
func (m *CleanupManager) Add(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append([]cleanupFunc{{name, fn}}, m.funcs...)
}

// Execute runs all registered cleanup functions, logging any errors. Every
// function runs even if an earlier one fails. The list is cleared afterwards
// so a second call is a no-op.
func (m *CleanupManager) Execute() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cleanup := range m.funcs {
		if err := cleanup.fn(); err != nil {
			m.logger.Warn().Err(err).Str("resource", cleanup.name).Msg("cleanup failed")
		}
	}
	m.funcs = nil
}
