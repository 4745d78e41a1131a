package backup

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryTargets is a TargetSource over a fixed set of targets whose paused
// flag can be flipped at runtime.
type MemoryTargets struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// Ensure MemoryTargets satisfies TargetSource.
var _ TargetSource = (*MemoryTargets)(nil)

// NewMemoryTargets indexes targets by id.
func NewMemoryTargets(targets ...Target) *MemoryTargets {
	m := &MemoryTargets{targets: make(map[string]Target, len(targets))}
	for _, t := range targets {
		m.targets[t.ID] = t
	}
	return m
}

// Target returns the target with the given id.
func (m *MemoryTargets) Target(id string) (Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("target %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// Targets returns all targets ordered by id.
func (m *MemoryTargets) Targets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPaused flips the paused flag of a target.
func (m *MemoryTargets) SetPaused(id string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return fmt.Errorf("target %q: %w", id, ErrNotFound)
	}
	t.Paused = paused
	m.targets[id] = t
	return nil
}
