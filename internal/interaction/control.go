package interaction

import (
	"log/slog"
	"sync"
)

// Mode is the kind of interaction a capability holds.
type Mode string

const (
	ModeNone      Mode = "NONE"
	ModeMultiTurn Mode = "MULTI_TURN"
)

type hold struct {
	mode     Mode
	category string
}

// Manager tracks which capabilities currently hold user interaction.
// Observers are told when the aggregate state flips between idle and active.
type Manager struct {
	mu        sync.Mutex
	holds     map[hold]int
	observers []func(active bool)
	logger    *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		holds:  make(map[hold]int),
		logger: logger,
	}
}

func (m *Manager) AddObserver(fn func(active bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start marks category as holding interaction in mode. Starts nest: each
// must be matched by a Finish.
func (m *Manager) Start(mode Mode, category string) {
	m.update(hold{mode, category}, 1)
}

// Finish releases one Start of mode for category. Unmatched calls are ignored.
func (m *Manager) Finish(mode Mode, category string) {
	m.update(hold{mode, category}, -1)
}

func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds) > 0
}

func (m *Manager) update(h hold, delta int) {
	m.mu.Lock()
	before := len(m.holds) > 0
	n := m.holds[h] + delta
	switch {
	case n > 0:
		m.holds[h] = n
	case delta < 0 && m.holds[h] == 0:
		m.mu.Unlock()
		m.logger.Debug("interaction finish without start", "mode", string(h.mode), "category", h.category)
		return
	default:
		delete(m.holds, h)
	}
	after := len(m.holds) > 0
	observers := append([]func(bool){}, m.observers...)
	m.mu.Unlock()

	if before == after {
		return
	}
	m.logger.Debug("interaction control changed", "active", after, "mode", string(h.mode), "category", h.category)
	for _, fn := range observers {
		fn(after)
	}
}
