// Package session composes the coordination layer for one node: topology,
// discovery, the coordination channel, elections and session-scoped
// resources, all reporting through a single ordered event stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/cluster/discovery"
	"github.com/zeusync/syncmesh/internal/core/cluster/election"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/events/bus"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/observability/metrics"
	"github.com/zeusync/syncmesh/internal/core/protocol"
	"github.com/zeusync/syncmesh/internal/core/resources"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotStarted     = errors.New("session: not started")
	ErrDisposed       = errors.New("session: disposed")
	ErrNotPermitted   = errors.New("session: operation not permitted by capabilities")
	ErrStreamRejected = errors.New("session: stream request rejected")
	ErrStreamExists   = errors.New("session: stream already exists")
)

// Resource ids registered by Start.
const (
	ResourceTransport          = "transport"
	ResourceCoordination       = "stream/coordination"
	ResourceWatchdog           = "timer/coordinator-watchdog"
	resourceDataStreamPrefix   = "stream/data/"
	resourceSubscriptionPrefix = "subscription/"
)

type Option func(*Session)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithMetrics exports the session's activity through c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// MessageHandler receives application messages sent with NewCustom.
type MessageHandler func(ctx context.Context, in protocol.Inbound)

// Session is one node's membership in a coordination session. Create it with
// New, subscribe to Events, then Start. Dispose tears everything down.
type Session struct {
	config  Config
	logger  log.Log
	clock   clockwork.Clock
	adapter transport.Adapter
	events  bus.EventBus
	metrics *metrics.Collector

	topology  *cluster.Topology
	channel   *protocol.Channel
	discovery *discovery.Loop
	elector   *election.Elector
	resources *resources.Manager
	conns     *resources.ConnectionManager

	// electMu serializes decisions about who coordinates.
	electMu       sync.Mutex
	electionTimer clockwork.Timer

	mu       sync.Mutex
	sources  map[string]string
	votes    map[string]string
	pending  map[string]chan protocol.Inbound
	streams  map[string]transport.Stream
	handlers []MessageHandler

	// lifecycle keeps Dispose from interleaving with Start's setup. Event
	// handlers never take it; they read the fields below under state.
	lifecycle sync.Mutex

	state    sync.Mutex
	started  bool
	disposed bool
	runCtx   context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New validates config and builds a session on adapter. The session owns the
// adapter from here on and disposes it.
func New(config Config, adapter transport.Adapter, logger log.Log, opts ...Option) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	strategy, err := election.StrategyFor(config.Topology.PromotionStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: promotionStrategy: %w", ErrInvalidConfig, err)
	}
	self, err := cluster.NewNode(config.NodeID, config.NodeName, config.Capabilities, config.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: node: %w", ErrInvalidConfig, err)
	}
	topology, err := cluster.NewTopology(config.SessionID, config.Topology)
	if err != nil {
		return nil, fmt.Errorf("%w: topology: %w", ErrInvalidConfig, err)
	}
	if err = topology.AddNode(self); err != nil {
		return nil, err
	}

	s := &Session{
		config:   config,
		clock:    clockwork.NewRealClock(),
		adapter:  adapter,
		topology: topology,
		sources:  make(map[string]string),
		votes:    make(map[string]string),
		pending:  make(map[string]chan protocol.Inbound),
		streams:  make(map[string]transport.Stream),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger = logger.With(log.String("session_id", config.SessionID))
	s.logger = logger.With(log.String("component", "session"), log.String("node_id", config.NodeID))
	s.events = bus.New(logger)

	s.channel = protocol.NewChannel(adapter, protocol.Config{
		NodeID:            config.NodeID,
		HeartbeatInterval: config.HeartbeatInterval,
		SendRate:          config.SendRate,
		SendBurst:         config.SendBurst,
		Clock:             s.clock,
	}, logger)
	s.elector = election.New(self, strategy, s.events, logger,
		election.WithElectSelfFallback(config.ElectSelfFallback),
		election.WithClock(s.clock))
	s.resources = resources.NewManager(s.events, logger,
		resources.WithClock(s.clock),
		resources.WithHealthInterval(config.HealthCheckInterval))

	s.conns, err = resources.NewConnectionManager(config.SessionID, config.Limits,
		resources.WithConnectionClock(s.clock),
		resources.WithProbe(s.probeConnection))
	if err != nil {
		return nil, fmt.Errorf("%w: limits: %w", ErrInvalidConfig, err)
	}
	s.resources.RegisterConnections(s.conns)

	s.discovery, err = discovery.NewLoop(adapter, config.discoveryConfig(), discovery.Funcs{
		OnJoined:  s.nodeJoined,
		OnLeft:    s.nodeLeft,
		OnUpdated: s.nodeUpdated,
	}, logger, discovery.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %w", ErrInvalidConfig, err)
	}
	s.channel.OnHeartbeat(func(from string, _ time.Time) {
		s.discovery.Touch(from)
	})

	if s.metrics != nil {
		if err = s.exportMetrics(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) exportMetrics() error {
	s.events.AddObserver(s.metrics)

	counters := []struct {
		name, help string
		read       func() uint64
	}{
		{"protocol_sent_total", "Coordination messages sent.", func() uint64 { return s.channel.Stats().Sent }},
		{"protocol_received_total", "Coordination messages received.", func() uint64 { return s.channel.Stats().Received }},
		{"discovery_cycles_total", "Discovery resolve cycles run.", func() uint64 { return s.discovery.Stats().Cycles }},
		{"discovery_resolve_errors_total", "Discovery resolves that failed.", func() uint64 { return s.discovery.Stats().ResolveErrors }},
	}
	for _, c := range counters {
		if err := s.metrics.TrackCounter(c.name, c.help, c.read); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}

	refresh := func(events.Event) error {
		s.metrics.SetResourceStates(s.resources.Stats().StateCounts())
		return nil
	}
	for _, kind := range []events.Kind{events.KindResourceCreated, events.KindResourceStateChanged, events.KindResourceDisposed} {
		if _, err := s.events.Subscribe(kind, refresh); err != nil {
			return err
		}
	}
	return nil
}

// Start initializes the transport, announces the coordination stream, runs a
// first discovery cycle and launches the background tasks. Transport
// initialization failures are returned; everything after that is recoverable.
// Events published while starting reach handlers with the session already
// running, so handlers may send or discover.
func (s *Session) Start(ctx context.Context) error {
	stream, g, gctx, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.publishTopology("started")

	if err = s.discovery.RunOnce(gctx); err != nil {
		s.logger.Warn("Initial discovery failed", log.Error(err))
	}
	s.maybeElect(gctx)

	s.spawn(g, gctx, "protocol", s.channel.Run)
	s.spawn(g, gctx, "discovery", s.discovery.Run)
	s.spawn(g, gctx, "health", s.resources.Run)
	s.spawn(g, gctx, "inbound", s.consume)

	if err = s.channel.SendMessage(gctx, protocol.NewNodeJoined(s.config.NodeID)); err != nil {
		s.logger.Warn("Join announcement failed", log.Error(err))
	}
	s.logger.Info("Session started",
		log.String("coordination_source", stream.Descriptor().SourceID),
		log.Strings("capabilities", s.config.Capabilities.Names()))
	return nil
}

// open sets up the transport and the managed resources under the lifecycle
// lock and marks the session started.
func (s *Session) open(ctx context.Context) (transport.Stream, *errgroup.Group, context.Context, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.state.Lock()
	disposed, started := s.disposed, s.started
	s.state.Unlock()
	if disposed {
		return nil, nil, nil, ErrDisposed
	}
	if started {
		return nil, nil, nil, ErrAlreadyStarted
	}

	if err := s.adapter.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize transport: %w", err)
	}
	if _, err := s.resources.Add(ResourceTransport, &resources.Hooks{
		KindName:  "transport",
		OnDispose: s.adapter.Dispose,
	}); err != nil {
		return nil, nil, nil, err
	}

	stream, err := s.adapter.CreateStream(ctx, transport.StreamConfig{
		SourceID:     s.config.CoordinationSourceID(),
		NodeID:       s.config.NodeID,
		Name:         s.config.NodeName,
		Type:         transport.StreamCoordination,
		Capabilities: s.config.Capabilities.Names(),
		Metadata:     s.config.Metadata,
	}, &transport.SessionInfo{SessionID: s.config.SessionID})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create coordination stream: %w", err)
	}
	if _, err = s.resources.Add(ResourceCoordination, &resources.Hooks{
		KindName:  "stream",
		OnDispose: func(context.Context) error { return stream.Close() },
	}, resources.DependsOn(ResourceTransport), resources.WithMetadata(map[string]string{
		"sourceId": stream.Descriptor().SourceID,
	})); err != nil {
		return nil, nil, nil, err
	}

	watchdog := resources.NewTimer("coordinator-watchdog", s.config.WatchdogInterval, func(ctx context.Context) error {
		s.maybeElect(ctx)
		return nil
	}, s.logger, resources.WithTimerClock(s.clock))
	if _, err = s.resources.Add(ResourceWatchdog, watchdog, resources.DependsOn(ResourceCoordination)); err != nil {
		return nil, nil, nil, err
	}
	for _, h := range s.resources.Handles() {
		if err = h.Activate(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("activate %s: %w", h.ID(), err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	s.state.Lock()
	s.runCtx, s.cancel, s.group = runCtx, cancel, g
	s.started = true
	s.state.Unlock()
	return stream, g, gctx, nil
}

// spawn runs task in g. Failures are logged here and never cancel the
// sibling tasks.
func (s *Session) spawn(g *errgroup.Group, ctx context.Context, name string, task func(context.Context) error) {
	g.Go(func() error {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Session task failed", log.String("task", name), log.Error(err))
		}
		return nil
	})
}

// Dispose announces departure, stops the background tasks, disposes every
// resource and closes the event stream. Repeated calls are no-ops.
func (s *Session) Dispose(ctx context.Context) error {
	s.lifecycle.Lock()
	s.state.Lock()
	disposed := s.disposed
	s.disposed = true
	started, cancel, g := s.started, s.cancel, s.group
	s.state.Unlock()
	s.lifecycle.Unlock()
	if disposed {
		return nil
	}

	s.logger.Info("Disposing session")
	_, managed := s.resources.Get(ResourceTransport)
	var errs []error
	if started {
		if err := s.channel.SendMessage(ctx, protocol.NewNodeLeft(s.config.NodeID)); err != nil {
			s.logger.Debug("Leave announcement failed", log.Error(err))
		}
		s.abandonElection("session disposed")
		cancel()
		if g != nil {
			_ = g.Wait()
		}
	}

	if err := s.resources.Dispose(ctx); err != nil {
		errs = append(errs, err)
	}
	if !managed {
		if err := s.adapter.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.events.Close()
	return errors.Join(errs...)
}

func (s *Session) runContext() context.Context {
	s.state.Lock()
	defer s.state.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Session) Config() Config { return s.config }

func (s *Session) Self() cluster.Node {
	n, _ := s.topology.Get(s.config.NodeID)
	return n
}

// Nodes returns the current membership sorted by id.
func (s *Session) Nodes() []cluster.Node { return s.topology.Snapshot() }

func (s *Session) Node(id string) (cluster.Node, bool) { return s.topology.Get(id) }

func (s *Session) Coordinator() (cluster.Node, bool) { return s.topology.Coordinator() }

func (s *Session) IsCoordinator() bool {
	return s.Self().Role() == cluster.RoleCoordinator
}

func (s *Session) Resources() *resources.Manager { return s.resources }

func (s *Session) Connections() *resources.ConnectionManager { return s.conns }

// Events returns a stream of every event published after the call.
func (s *Session) Events(buffer int) (<-chan events.Event, bus.Subscription) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return s.events.Stream(buffer)
}

// Subscribe runs handler for every event of kind. Handlers run on the
// publishing goroutine, sometimes while a role decision is in progress, so
// they must not call Elect, Promote or Demote. Use Events for that. Sending
// and discovery are fine, including during Start.
func (s *Session) Subscribe(kind events.Kind, handler bus.EventHandler) (bus.Subscription, error) {
	return s.events.Subscribe(kind, handler)
}

func (s *Session) SubscribeAll(handler bus.EventHandler) (bus.Subscription, error) {
	return s.events.SubscribeAll(handler)
}

// Discover runs one discovery cycle now instead of waiting for the next tick.
func (s *Session) Discover(ctx context.Context) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	return s.discovery.RunOnce(ctx)
}

func (s *Session) isRunning() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.started && !s.disposed
}

type Stats struct {
	Nodes       int
	Coordinator string
	Role        cluster.Role
	Protocol    protocol.Stats
	Discovery   discovery.Stats
	Resources   resources.UsageStats
	Bus         bus.EventBusMetrics
}

func (s *Session) Stats() Stats {
	st := Stats{
		Nodes:     s.topology.Len(),
		Role:      s.Self().Role(),
		Protocol:  s.channel.Stats(),
		Discovery: s.discovery.Stats(),
		Resources: s.resources.Stats(),
		Bus:       s.events.GetMetrics(),
	}
	if c, ok := s.topology.Coordinator(); ok {
		st.Coordinator = c.ID()
	}
	return st
}
