// Package lock implements the named acquire-or-abort lock that keeps worker
// runs from overlapping across processes.
package lock

import (
	"context"
	"sync"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// Memory is a process-local lock. It only serializes runs inside one process.
type Memory struct {
	mu   sync.Mutex
	held map[string]bool
}

var _ linkcheck.DistributedLock = (*Memory)(nil)

// NewMemory returns an unlocked Memory lock.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]bool)}
}

// TryAcquire takes the named lock if nobody holds it.
func (m *Memory) TryAcquire(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] {
		return false, nil
	}
	m.held[name] = true
	return true, nil
}

// Release frees the named lock. Releasing a free lock is a no-op.
func (m *Memory) Release(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}
