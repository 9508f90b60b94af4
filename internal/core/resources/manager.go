package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/pkg/concurrent"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
)

type entry struct {
	id        string
	resource  Resource
	kind      string
	metadata  map[string]string
	dependsOn []string
	seq       uint64
	createdAt time.Time

	// independent entries skip the implicit creation-order chain.
	independent bool

	// op serializes lifecycle hooks; Handle.Use holds it for reading.
	op sync.RWMutex

	// Guarded by Manager.mu.
	state    State
	degraded bool
	lastErr  error
	attempts int
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

func WithHealthTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthTimeout = d
		}
	}
}

// WithConcurrency bounds how many hooks run at once during sweeps and
// disposal waves. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.limit = n }
}

type AddOption func(*entry)

// DependsOn declares that the resource uses ids, which are then disposed
// only after it.
func DependsOn(ids ...string) AddOption {
	return func(e *entry) { e.dependsOn = append(e.dependsOn, ids...) }
}

// Independent lets the resource be disposed alongside others instead of
// waiting for every newer resource. Declared dependencies still apply.
func Independent() AddOption {
	return func(e *entry) { e.independent = true }
}

func WithMetadata(md map[string]string) AddOption {
	return func(e *entry) {
		for k, v := range md {
			e.metadata[k] = v
		}
	}
}

// Manager tracks resources in creation order. All state transitions and map
// mutations happen under one lock; hooks run outside of it.
type Manager struct {
	sink           events.Sink
	logger         log.Log
	clock          clockwork.Clock
	healthInterval time.Duration
	healthTimeout  time.Duration
	limit          int

	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	conns    []*ConnectionManager
	disposed bool
}

func NewManager(sink events.Sink, logger log.Log, opts ...Option) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	m := &Manager{
		sink:           sink,
		logger:         logger.With(log.String("component", "resources")),
		clock:          clockwork.NewRealClock(),
		healthInterval: DefaultHealthInterval,
		healthTimeout:  DefaultHealthTimeout,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add starts tracking r under id, or under a generated id when id is empty.
func (m *Manager) Add(id string, r Resource, opts ...AddOption) (Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	e := &entry{
		id:       id,
		resource: r,
		kind:     r.Kind(),
		metadata: make(map[string]string),
		state:    StateCreated,
	}
	for _, opt := range opts {
		opt(e)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return Handle{}, ErrManagerDisposed
	}
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s", ErrResourceExists, id)
	}
	for _, dep := range e.dependsOn {
		if _, ok := m.entries[dep]; !ok {
			m.mu.Unlock()
			return Handle{}, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
		}
	}
	m.seq++
	e.seq = m.seq
	e.createdAt = m.clock.Now()
	m.entries[id] = e
	m.mu.Unlock()

	m.logger.Debug("Resource added", log.String("resource_id", id), log.String("kind", e.kind))
	m.sink.Publish(events.ResourceCreated{Header: events.NewHeader(id), ResourceID: id, ResourceKind: e.kind})
	return Handle{m: m, e: e}, nil
}

func (m *Manager) Get(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Handle{}, false
	}
	return Handle{m: m, e: e}, true
}

// Handles lists tracked resources in creation order.
func (m *Manager) Handles() []Handle {
	live := m.live()
	out := make([]Handle, len(live))
	for i := range live {
		out[i] = Handle{m: m, e: live[len(live)-1-i]}
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Remove disposes and forgets id. A missing id is only logged.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Remove of unknown resource ignored", log.String("resource_id", id))
		return nil
	}
	for _, other := range m.entries {
		for _, dep := range other.dependsOn {
			if dep == id {
				m.mu.Unlock()
				return fmt.Errorf("%w: %s is used by %s", ErrResourceInUse, id, other.id)
			}
		}
	}
	delete(m.entries, id)
	m.mu.Unlock()
	return m.dispose(ctx, e)
}

// RegisterConnections adds cm to the health sweep and to Stats.
func (m *Manager) RegisterConnections(cm *ConnectionManager) {
	m.mu.Lock()
	m.conns = append(m.conns, cm)
	m.mu.Unlock()
}

// Dispose tears everything down in reverse creation order. Each wave holds
// the resources nothing else still depends on and is disposed concurrently.
// A resource not marked Independent implicitly depends on the previous one,
// so by default every wave holds a single resource. Repeated calls are no-ops.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.logger.Debug("Manager already disposed")
		return nil
	}
	m.disposed = true
	m.mu.Unlock()

	remaining := m.live()
	m.logger.Info("Disposing resources", log.Int("count", len(remaining)))

	var errs []error
	for wave := 1; len(remaining) > 0; wave++ {
		var batch []*entry
		batch, remaining = nextWave(remaining)
		m.logger.Debug("Disposal wave", log.Int("wave", wave), log.Int("size", len(batch)))
		if err := concurrent.ParallelJoin(ctx, batch, m.limit, m.dispose); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	return errors.Join(errs...)
}

// live returns tracked entries, newest first.
func (m *Manager) live() []*entry {
	m.mu.Lock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

// nextWave splits entries, newest first, into those no remaining entry
// depends on and the rest, preserving order.
func nextWave(entries []*entry) (wave, rest []*entry) {
	used := make(map[string]struct{})
	chained := false
	for _, e := range entries {
		for _, dep := range e.dependsOn {
			used[dep] = struct{}{}
		}
		if e.independent {
			continue
		}
		if chained {
			used[e.id] = struct{}{}
		}
		chained = true
	}
	for _, e := range entries {
		if _, ok := used[e.id]; ok {
			rest = append(rest, e)
		} else {
			wave = append(wave, e)
		}
	}
	return wave, rest
}

func (m *Manager) stateOf(e *entry) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.state
}

func (m *Manager) transition(e *entry, to State) {
	m.mu.Lock()
	from := e.state
	if from == to || from == StateDisposed {
		m.mu.Unlock()
		return
	}
	e.state = to
	m.mu.Unlock()

	m.sink.Publish(events.ResourceStateChanged{
		Header:     events.NewHeader(e.id),
		ResourceID: e.id,
		From:       from.String(),
		To:         to.String(),
	})
}

// fail moves e to the error state and reports err.
func (m *Manager) fail(e *entry, op string, err error) {
	m.logger.Warn("Resource failure",
		log.String("resource_id", e.id),
		log.String("op", op),
		log.Error(err))
	m.mu.Lock()
	e.lastErr = err
	m.mu.Unlock()
	m.transition(e, StateError)
	m.sink.Publish(events.ResourceError{Header: events.NewHeader(e.id), ResourceID: e.id, Op: op, Err: err})
}

func (m *Manager) initialize(ctx context.Context, e *entry) error {
	e.op.Lock()
	defer e.op.Unlock()
	switch st := m.stateOf(e); st {
	case StateDisposed:
		return ErrResourceDisposed
	case StateCreated, StateError:
		return m.initLocked(ctx, e)
	default:
		return nil
	}
}

func (m *Manager) initLocked(ctx context.Context, e *entry) error {
	m.transition(e, StateInitializing)
	if err := safely(func() error { return e.resource.Initialize(ctx) }); err != nil {
		m.fail(e, "initialize", err)
		return err
	}
	m.transition(e, StateIdle)
	return nil
}

func (m *Manager) activate(ctx context.Context, e *entry) error {
	e.op.Lock()
	defer e.op.Unlock()
	switch st := m.stateOf(e); st {
	case StateDisposed:
		return ErrResourceDisposed
	case StateActive:
		return nil
	case StateCreated:
		if err := m.initLocked(ctx, e); err != nil {
			return err
		}
	case StateIdle, StateStopped:
	default:
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, st)
	}
	if err := safely(func() error { return e.resource.Activate(ctx) }); err != nil {
		m.fail(e, "activate", err)
		return err
	}
	m.transition(e, StateActive)
	return nil
}

func (m *Manager) deactivate(ctx context.Context, e *entry) error {
	e.op.Lock()
	defer e.op.Unlock()
	switch st := m.stateOf(e); st {
	case StateDisposed:
		return ErrResourceDisposed
	case StateActive:
	default:
		return nil
	}
	m.transition(e, StateStopping)
	if err := safely(func() error { return e.resource.Deactivate(ctx) }); err != nil {
		m.fail(e, "deactivate", err)
		return err
	}
	m.transition(e, StateStopped)
	return nil
}

func (m *Manager) dispose(ctx context.Context, e *entry) error {
	m.mu.Lock()
	e.attempts++
	attempt := e.attempts
	m.mu.Unlock()

	e.op.Lock()
	defer e.op.Unlock()

	st := m.stateOf(e)
	m.logger.Info("Dispose requested",
		log.String("resource_id", e.id),
		log.Int("attempt", attempt),
		log.String("state", st.String()))
	if st == StateDisposed {
		return nil
	}

	var err error
	if st == StateActive {
		err = safely(func() error { return e.resource.Deactivate(ctx) })
	}
	if derr := safely(func() error { return e.resource.Dispose(ctx) }); derr != nil {
		err = errors.Join(err, derr)
	}
	m.transition(e, StateDisposed)

	if err != nil {
		m.logger.Warn("Dispose failed", log.String("resource_id", e.id), log.Error(err))
		m.mu.Lock()
		e.lastErr = err
		m.mu.Unlock()
		m.sink.Publish(events.ResourceError{Header: events.NewHeader(e.id), ResourceID: e.id, Op: "dispose", Err: err})
	}
	m.sink.Publish(events.ResourceDisposed{Header: events.NewHeader(e.id), ResourceID: e.id})
	return err
}

// HealthStatus is the outcome of one health check.
type HealthStatus struct {
	ID      string
	Kind    string
	Healthy bool
	Err     error
}

type HealthReport struct {
	Resources   []HealthStatus
	Connections []HealthStatus
}

// Failed counts checks that returned an error.
func (r HealthReport) Failed() int {
	n := 0
	for _, s := range append(append([]HealthStatus(nil), r.Resources...), r.Connections...) {
		if s.Err != nil {
			n++
		}
	}
	return n
}

func (m *Manager) healthCheck(ctx context.Context, e *entry) HealthStatus {
	status := HealthStatus{ID: e.id, Kind: e.kind, Healthy: true}
	hc, ok := e.resource.(HealthChecker)
	if !ok {
		return status
	}

	cctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	err := safely(func() error {
		healthy, err := hc.HealthCheck(cctx)
		status.Healthy = healthy
		return err
	})
	if err != nil {
		status.Healthy = false
		status.Err = err
		m.fail(e, "health", err)
		return status
	}

	m.mu.Lock()
	was := e.degraded
	e.degraded = !status.Healthy
	m.mu.Unlock()
	if !status.Healthy && !was {
		m.logger.Warn("Resource degraded", log.String("resource_id", e.id))
	}
	return status
}

// CheckHealth sweeps every resource and connection manager concurrently.
// Failures become ResourceError events; the sweep itself never fails.
func (m *Manager) CheckHealth(ctx context.Context) HealthReport {
	var live []*entry
	for _, e := range m.live() {
		if m.stateOf(e) != StateDisposed {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })

	m.mu.Lock()
	conns := append([]*ConnectionManager(nil), m.conns...)
	m.mu.Unlock()

	report := HealthReport{
		Resources: concurrent.Collect(ctx, live, m.limit, m.healthCheck),
		Connections: concurrent.Collect(ctx, conns, m.limit, func(ctx context.Context, cm *ConnectionManager) HealthStatus {
			return m.checkConnections(ctx, cm)
		}),
	}
	return report
}

func (m *Manager) checkConnections(ctx context.Context, cm *ConnectionManager) HealthStatus {
	id := "connections/" + cm.Name()
	status := HealthStatus{ID: id, Kind: "connections", Healthy: true}

	cctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	err := safely(func() error {
		healthy, err := cm.HealthCheck(cctx)
		status.Healthy = healthy
		return err
	})
	if err != nil {
		status.Healthy = false
		status.Err = err
		m.logger.Warn("Connection health check failed", log.String("connections", cm.Name()), log.Error(err))
		m.sink.Publish(events.ResourceError{Header: events.NewHeader(id), ResourceID: id, Op: "health", Err: err})
	}
	return status
}

// Run sweeps health every health interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			report := m.CheckHealth(ctx)
			if n := report.Failed(); n > 0 {
				m.logger.Debug("Health sweep finished with failures", log.Int("failed", n))
			}
		}
	}
}

// UsageStats is derived from the live resource set on every call.
type UsageStats struct {
	Total       int
	ByState     map[State]int
	ByKind      map[string]int
	Degraded    int
	OldestAge   time.Duration
	Connections map[string]ConnectionStats
}

// StateCounts keys ByState by state name.
func (s UsageStats) StateCounts() map[string]int {
	out := make(map[string]int, len(s.ByState))
	for st, n := range s.ByState {
		out[st.String()] = n
	}
	return out
}

func (m *Manager) Stats() UsageStats {
	now := m.clock.Now()
	stats := UsageStats{
		ByState:     make(map[State]int),
		ByKind:      make(map[string]int),
		Connections: make(map[string]ConnectionStats),
	}

	m.mu.Lock()
	for _, e := range m.entries {
		stats.Total++
		stats.ByState[e.state]++
		stats.ByKind[e.kind]++
		if e.degraded {
			stats.Degraded++
		}
		if age := now.Sub(e.createdAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	conns := append([]*ConnectionManager(nil), m.conns...)
	m.mu.Unlock()

	for _, cm := range conns {
		stats.Connections[cm.Name()] = cm.Stats()
	}
	return stats
}
