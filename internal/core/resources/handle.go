package resources

import "context"

// Handle is the only way callers reach a managed resource. Every operation
// except Dispose fails with ErrResourceDisposed once the resource is gone;
// Dispose itself is idempotent.
type Handle struct {
	m *Manager
	e *entry
}

func (h Handle) ID() string   { return h.e.id }
func (h Handle) Kind() string { return h.e.kind }

func (h Handle) State() State {
	return h.m.stateOf(h.e)
}

func (h Handle) Disposed() bool {
	return h.State() == StateDisposed
}

// Degraded reports whether the last health check returned false.
func (h Handle) Degraded() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.e.degraded
}

// LastError is the most recent hook or health failure.
func (h Handle) LastError() error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.e.lastErr
}

func (h Handle) DependsOn() []string {
	return append([]string(nil), h.e.dependsOn...)
}

func (h Handle) Metadata() (map[string]string, error) {
	if h.Disposed() {
		return nil, ErrResourceDisposed
	}
	out := make(map[string]string, len(h.e.metadata))
	for k, v := range h.e.metadata {
		out[k] = v
	}
	return out, nil
}

func (h Handle) Initialize(ctx context.Context) error { return h.m.initialize(ctx, h.e) }
func (h Handle) Activate(ctx context.Context) error   { return h.m.activate(ctx, h.e) }
func (h Handle) Deactivate(ctx context.Context) error { return h.m.deactivate(ctx, h.e) }
func (h Handle) Dispose(ctx context.Context) error    { return h.m.dispose(ctx, h.e) }

func (h Handle) HealthCheck(ctx context.Context) (bool, error) {
	if h.Disposed() {
		return false, ErrResourceDisposed
	}
	s := h.m.healthCheck(ctx, h.e)
	return s.Healthy, s.Err
}

// Use runs fn with the underlying resource. Disposal waits for fn to return.
// fn must not call lifecycle methods on the same handle.
func (h Handle) Use(fn func(Resource) error) error {
	h.e.op.RLock()
	defer h.e.op.RUnlock()
	if h.Disposed() {
		return ErrResourceDisposed
	}
	return fn(h.e.resource)
}
