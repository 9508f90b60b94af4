// Package resources owns the lifecycle of every long-lived object a session
// creates. Callers never hold a resource directly; they get a Handle, which
// stops working once the resource is disposed.
package resources

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrResourceExists    = errors.New("resources: resource already exists")
	ErrResourceDisposed  = errors.New("resources: resource disposed")
	ErrUnknownDependency = errors.New("resources: unknown dependency")
	ErrResourceInUse     = errors.New("resources: resource has live dependents")
	ErrInvalidTransition = errors.New("resources: invalid state transition")
	ErrManagerDisposed   = errors.New("resources: manager disposed")
	ErrPanic             = errors.New("resources: panic in resource hook")
)

type State uint8

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateIdle
	StateStopping
	StateStopped
	StateError
	StateDisposed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateInitializing: "initializing",
	StateActive:       "active",
	StateIdle:         "idle",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
	StateError:        "error",
	StateDisposed:     "disposed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Resource is the lifecycle contract the manager drives. The manager makes
// every hook idempotent from the caller's side and never calls two hooks of
// the same resource at once.
type Resource interface {
	Kind() string
	Initialize(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// HealthChecker is implemented by resources that can report their health.
// false means degraded but alive; an error means broken.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Hooks builds a Resource from optional functions.
type Hooks struct {
	KindName     string
	OnInitialize func(ctx context.Context) error
	OnActivate   func(ctx context.Context) error
	OnDeactivate func(ctx context.Context) error
	OnDispose    func(ctx context.Context) error
	OnHealth     func(ctx context.Context) (bool, error)
}

var (
	_ Resource      = (*Hooks)(nil)
	_ HealthChecker = (*Hooks)(nil)
)

func (h *Hooks) Kind() string {
	if h.KindName == "" {
		return "generic"
	}
	return h.KindName
}

func (h *Hooks) Initialize(ctx context.Context) error { return call(ctx, h.OnInitialize) }
func (h *Hooks) Activate(ctx context.Context) error   { return call(ctx, h.OnActivate) }
func (h *Hooks) Deactivate(ctx context.Context) error { return call(ctx, h.OnDeactivate) }
func (h *Hooks) Dispose(ctx context.Context) error    { return call(ctx, h.OnDispose) }

func (h *Hooks) HealthCheck(ctx context.Context) (bool, error) {
	if h.OnHealth == nil {
		return true, nil
	}
	return h.OnHealth(ctx)
}

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// safely runs fn, turning a panic into ErrPanic.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
