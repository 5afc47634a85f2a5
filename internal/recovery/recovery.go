// Package recovery runs startup recovery for components that persist work
// across restarts: the message queue reloads pending items and the webhook
// outbox requeues deliveries stuck mid-send.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable restores a component's state at startup and reports how many
// items it brought back.
type Recoverable interface {
	Name() string
	Recover(ctx context.Context) (int, error)
}

// Func adapts a function to Recoverable.
func Func(name string, fn func(ctx context.Context) (int, error)) Recoverable {
	return recoverFunc{name: name, fn: fn}
}

type recoverFunc struct {
	name string
	fn   func(ctx context.Context) (int, error)
}

func (r recoverFunc) Name() string                              { return r.name }
func (r recoverFunc) Recover(ctx context.Context) (int, error) { return r.fn(ctx) }

// Manager runs every registered Recoverable in registration order.
type Manager struct {
	recoverables []Recoverable
	logger       *slog.Logger
}

// NewManager returns an empty Manager. A nil logger uses slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "recovery")}
}

// Register adds r.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll recovers every component, continuing past failures. It returns
// the per-component counts and a joined error naming each failed component.
func (m *Manager) RecoverAll(ctx context.Context) (map[string]int, error) {
	m.logger.Info("Manager.RecoverAll: starting", "components", len(m.recoverables))
	counts := make(map[string]int, len(m.recoverables))
	var errs []error
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, err := r.Recover(ctx)
		if err != nil {
			m.logger.Error("Manager.RecoverAll: component failed", "component", r.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		counts[r.Name()] = n
		if n > 0 {
			m.logger.Info("Manager.RecoverAll: recovered", "component", r.Name(), "count", n)
		}
	}
	m.logger.Info("Manager.RecoverAll: completed", "recovered", len(counts), "errors", len(errs))
	return counts, errors.Join(errs...)
}
