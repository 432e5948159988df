package config

import "sync"

// Holder provides thread-safe access to the effective configuration and an
// immutable config file path. The watch loop reads through a shared Holder,
// so a reload after the file changes updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Resolved
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Resolved, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot. Thread-safe (read lock).
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. Thread-safe without locking because
// the path is immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config. Thread-safe (write lock).
func (h *Holder) Update(cfg *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}
