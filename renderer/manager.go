package renderer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sylvite/cadence/media"
)

// Notify reports a completed bind or switch. fallback is true when the
// actual kind differs from the requested one. The manager emits these
// one-directionally; it holds no reference back to the consumer.
type Notify func(requested, actual Kind, fallback bool)

// Manager owns the single backend bound to the output surface. Switching
// disposes the current backend before constructing the next one, so two
// backends never touch the surface concurrently, and re-presents the last
// known frame so a switch is visually seamless.
type Manager struct {
	log     *slog.Logger
	chain   *Chain
	surface Surface

	mu        sync.Mutex
	backend   Backend
	lastFrame *media.VideoFrame
	notify    Notify
	disposed  bool
}

// NewManager creates a manager over the surface using the given chain. If
// log is nil, slog.Default() is used.
func NewManager(chain *Chain, surface Surface, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "renderer"),
		chain:   chain,
		surface: surface,
	}
}

// SetNotify registers the bind/switch notification callback.
func (m *Manager) SetNotify(fn Notify) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// Bind constructs the initial backend for the preferred kind through the
// fallback chain.
func (m *Manager) Bind(preferred Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return fmt.Errorf("bind: %w", media.ErrInvalidState)
	}
	if m.backend != nil {
		return fmt.Errorf("bind: backend already bound: %w", media.ErrInvalidState)
	}
	return m.createLocked(preferred)
}

// Switch replaces the active backend with the requested kind. The current
// backend is fully disposed first. Any failure degrades through the chain
// down to the baseline backend rather than propagating.
func (m *Manager) Switch(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return fmt.Errorf("switch: %w", media.ErrInvalidState)
	}
	if m.backend != nil {
		if m.backend.Kind() == kind {
			return nil
		}
		m.backend.Dispose()
		m.backend = nil
	}
	if err := m.createLocked(kind); err != nil {
		return err
	}
	if m.lastFrame != nil {
		if err := m.backend.Present(m.lastFrame); err != nil {
			m.log.Debug("re-present after switch failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) createLocked(requested Kind) error {
	backend, actual, err := m.chain.Create(m.surface, requested)
	if err != nil {
		return err
	}
	m.backend = backend
	m.log.Info("backend bound", "requested", requested, "actual", actual)
	if m.notify != nil {
		m.notify(requested, actual, actual != requested)
	}
	return nil
}

// Present renders the frame through the active backend and remembers it
// for re-presentation after a switch.
func (m *Manager) Present(f *media.VideoFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.backend == nil {
		return fmt.Errorf("present: %w", media.ErrInvalidState)
	}
	m.lastFrame = f
	return m.backend.Present(f)
}

// ClearFrame drops the remembered last frame. Call before the frame's
// owner recycles it, e.g. on track detach.
func (m *Manager) ClearFrame() {
	m.mu.Lock()
	m.lastFrame = nil
	m.mu.Unlock()
}

// Kind returns the kind of the active backend, or "" when none is bound.
func (m *Manager) Kind() Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return ""
	}
	return m.backend.Kind()
}

// Dispose tears down the active backend. The manager cannot be reused.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		m.backend.Dispose()
		m.backend = nil
	}
	m.lastFrame = nil
	m.disposed = true
}
