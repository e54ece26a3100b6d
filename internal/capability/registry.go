package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler implements a capability.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	cap     Capability
	handler Handler
}

// Registry holds capabilities and their handlers. It implements Invoker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	timeout time.Duration
	logger  *zap.Logger
}

// DefaultTimeout bounds a single invocation.
const DefaultTimeout = 60 * time.Second

// NewRegistry creates an empty registry. timeout <= 0 uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		entries: make(map[string]entry),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a capability. Names must be unique.
func (r *Registry) Register(c Capability, h Handler) error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %s: nil handler", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[c.Name]; dup {
		return fmt.Errorf("capability %s already registered", c.Name)
	}
	r.entries[c.Name] = entry{cap: c, handler: h}
	r.logger.Debug("registered capability", zap.String("name", c.Name))
	return nil
}

// Catalog snapshots the registered capabilities.
func (r *Registry) Catalog() Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.entries))
	for _, e := range r.entries {
		caps = append(caps, e.cap)
	}
	return NewCatalog(caps...)
}

// Invoke runs the named capability under the registry timeout. It never panics
// and never returns a Go error; failures are reported through Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Status: StatusError, Error: fmt.Errorf("%w: %s", ErrUnknown, name).Error()}
	}
	if err := checkRequired(e.cap, args); err != nil {
		return Result{Status: StatusError, Error: err.Error(), Duration: time.Since(start)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("capability %s panicked: %v", name, p)}
			}
		}()
		payload, err := e.handler(ctx, args)
		done <- outcome{payload: payload, err: err}
	}()

	var res Result
	select {
	case out := <-done:
		switch {
		case out.err == nil:
			res = Result{Status: StatusSuccess, Payload: out.payload}
		case errors.Is(out.err, ErrManualRequired):
			res = Result{Status: StatusManualRequired, Payload: out.payload, Error: out.err.Error()}
		case errors.Is(out.err, context.DeadlineExceeded):
			res = Result{Status: StatusTimeout, Error: out.err.Error()}
		default:
			res = Result{Status: StatusError, Error: out.err.Error()}
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = Result{Status: StatusTimeout, Error: fmt.Sprintf("capability %s timed out after %s", name, r.timeout)}
		} else {
			res = Result{Status: StatusError, Error: ctx.Err().Error()}
		}
	}
	res.Duration = time.Since(start)

	r.logger.Debug("capability invoked",
		zap.String("name", name),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration))
	return res
}

func checkRequired(c Capability, args map[string]any) error {
	for _, p := range c.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := args[p.Name]; !ok || v == nil {
			return fmt.Errorf("capability %s: missing required parameter %q", c.Name, p.Name)
		}
	}
	return nil
}
