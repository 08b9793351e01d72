// Package lifecycle starts the daemon's components in registration order and
// stops them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyRegistered = errors.New("lifecycle: component name is already registered")
	ErrStarted           = errors.New("lifecycle: components already started")
)

// Component is a long-lived part of the daemon.
type Component interface {
	// Name identifies the component in logs and errors.
	Name() string

	// Start must not block for longer than it takes to become ready;
	// background work runs in goroutines owned by the component.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired.
	Stop(ctx context.Context) error
}

type funcComponent struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Func adapts a pair of functions to a Component. Either may be nil.
func Func(name string, start, stop func(ctx context.Context) error) Component {
	return &funcComponent{name: name, start: start, stop: stop}
}

func (f *funcComponent) Name() string { return f.name }

func (f *funcComponent) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *funcComponent) Stop(ctx context.Context) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(ctx)
}

// Manager owns the start order of the registered components.
type Manager struct {
	mu         sync.Mutex
	components []Component
	names      map[string]bool
	started    []Component // successfully started, in start order
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register appends c to the start order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.names[c.Name()] {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, c.Name())
	}
	if len(m.started) > 0 {
		return ErrStarted
	}
	m.names[c.Name()] = true
	m.components = append(m.components, c)
	log.Debug().Str("component", c.Name()).Msg("component registered")
	return nil
}

// StartAll starts every component in order. If one fails, the components
// started before it are stopped in reverse order and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if len(m.started) > 0 {
		m.mu.Unlock()
		return ErrStarted
	}
	order := append([]Component(nil), m.components...)
	m.mu.Unlock()

	var started []Component
	for _, c := range order {
		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Str("component", c.Name()).Dur("duration", time.Since(begin)).Err(err).Msg("failed to start component")
			if rbErr := stopReverse(ctx, started); rbErr != nil {
				log.Error().Err(rbErr).Msg("errors occurred during start failure rollback")
			}
			return fmt.Errorf("failed to start component %s: %w", c.Name(), err)
		}
		started = append(started, c)
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(begin)).Msg("component started")
	}

	m.mu.Lock()
	m.started = started
	m.mu.Unlock()
	return nil
}

// StopAll stops the started components in reverse order. It keeps going
// after failures and returns them joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	err := stopReverse(ctx, started)
	if err != nil {
		log.Warn().Err(err).Msg("shutdown completed with errors")
	}
	return err
}

func stopReverse(ctx context.Context, components []Component) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		begin := time.Now()
		if err := c.Stop(ctx); err != nil {
			log.Error().Str("component", c.Name()).Dur("duration", time.Since(begin)).Err(err).Msg("failed to stop component")
			errs = append(errs, fmt.Errorf("failed to stop component %s: %w", c.Name(), err))
			continue
		}
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(begin)).Msg("component stopped")
	}
	return errors.Join(errs...)
}
