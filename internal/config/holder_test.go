package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	cfg := &Resolved{MaxAttempts: 10}
	h := NewHolder(cfg, "/etc/fitsync/config.toml")

	require.NotNil(t, h)
	assert.Same(t, cfg, h.Config())
	assert.Equal(t, "/etc/fitsync/config.toml", h.Path())
}

func TestHolder_ConcurrentUpdate(t *testing.T) {
	h := NewHolder(&Resolved{MaxAttempts: 1}, "/p")

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(2)

		go func() {
			defer wg.Done()
			h.Update(&Resolved{MaxAttempts: i + 1})
		}()

		go func() {
			defer wg.Done()
			assert.Positive(t, h.Config().MaxAttempts)
		}()
	}

	wg.Wait()
	assert.Equal(t, "/p", h.Path())
}
