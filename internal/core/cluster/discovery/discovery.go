// Package discovery periodically resolves the coordination sources of a
// session and reports membership changes to a Listener.
//
// A node that stops showing up is not dropped on the first miss. It must be
// absent for StaleCycles consecutive successful resolves, and any heartbeat
// seen in between (Touch) resets the count. A failed resolve is not a miss.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

const (
	DefaultInterval           = 5 * time.Second
	DefaultResolveTimeout     = 2 * time.Second
	DefaultStaleNodeThreshold = 30 * time.Second

	MinInterval = 2 * time.Second
	MaxInterval = 10 * time.Second
)

var (
	ErrInvalidConfig  = errors.New("discovery: invalid config")
	ErrAlreadyRunning = errors.New("discovery: loop already running")
)

type Config struct {
	SessionID          string
	NodeID             string
	Interval           time.Duration
	ResolveTimeout     time.Duration
	StaleNodeThreshold time.Duration
	// MaxResults caps one resolve; zero means unlimited.
	MaxResults int
	// AllowShortIntervals lifts the lower interval bound. Tests only.
	AllowShortIntervals bool
}

func DefaultConfig(sessionID, nodeID string) Config {
	return Config{
		SessionID:          sessionID,
		NodeID:             nodeID,
		Interval:           DefaultInterval,
		ResolveTimeout:     DefaultResolveTimeout,
		StaleNodeThreshold: DefaultStaleNodeThreshold,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SessionID == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidConfig)
	case c.NodeID == "":
		return fmt.Errorf("%w: node id is required", ErrInvalidConfig)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	case !c.AllowShortIntervals && c.Interval < MinInterval:
		return fmt.Errorf("%w: interval %s below %s", ErrInvalidConfig, c.Interval, MinInterval)
	case c.Interval > MaxInterval:
		return fmt.Errorf("%w: interval %s above %s", ErrInvalidConfig, c.Interval, MaxInterval)
	case c.ResolveTimeout <= 0 || c.ResolveTimeout > c.Interval:
		return fmt.Errorf("%w: resolve timeout must be in (0, interval]", ErrInvalidConfig)
	case c.StaleNodeThreshold < c.Interval:
		return fmt.Errorf("%w: stale node threshold shorter than interval", ErrInvalidConfig)
	case c.MaxResults < 0:
		return fmt.Errorf("%w: max results is negative", ErrInvalidConfig)
	}
	return nil
}

// StaleCycles is the number of consecutive misses after which a node is
// considered gone: ceil(StaleNodeThreshold / Interval).
func (c Config) StaleCycles() int {
	if c.Interval <= 0 {
		return 1
	}
	n := int((c.StaleNodeThreshold + c.Interval - 1) / c.Interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Listener receives membership changes. Calls are made from the loop's
// goroutine, never while the loop holds its lock.
type Listener interface {
	NodeJoined(ctx context.Context, desc transport.SourceDescriptor)
	NodeLeft(ctx context.Context, nodeID string, missedCycles int)
	NodeUpdated(ctx context.Context, desc transport.SourceDescriptor)
}

// Funcs adapts optional callbacks to Listener.
type Funcs struct {
	OnJoined  func(ctx context.Context, desc transport.SourceDescriptor)
	OnLeft    func(ctx context.Context, nodeID string, missedCycles int)
	OnUpdated func(ctx context.Context, desc transport.SourceDescriptor)
}

func (f Funcs) NodeJoined(ctx context.Context, desc transport.SourceDescriptor) {
	if f.OnJoined != nil {
		f.OnJoined(ctx, desc)
	}
}

func (f Funcs) NodeLeft(ctx context.Context, nodeID string, missed int) {
	if f.OnLeft != nil {
		f.OnLeft(ctx, nodeID, missed)
	}
}

func (f Funcs) NodeUpdated(ctx context.Context, desc transport.SourceDescriptor) {
	if f.OnUpdated != nil {
		f.OnUpdated(ctx, desc)
	}
}

// Peer is the loop's view of one known node.
type Peer struct {
	Descriptor transport.SourceDescriptor
	FirstSeen  time.Time
	LastSeen   time.Time
	Missed     int
}

type Stats struct {
	Cycles        uint64
	ResolveErrors uint64
	Known         int
}

type Option func(*Loop)

// WithClock replaces the wall clock, typically with a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Loop) { l.clock = clock }
}

type Loop struct {
	adapter     transport.Adapter
	config      Config
	listener    Listener
	logger      log.Log
	clock       clockwork.Clock
	predicate   transport.Predicate
	staleCycles int

	mu    sync.Mutex
	peers map[string]*Peer

	running       atomic.Bool
	cycles        atomic.Uint64
	resolveErrors atomic.Uint64
}

func NewLoop(adapter transport.Adapter, config Config, listener Listener, logger log.Log, opts ...Option) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = Funcs{}
	}
	l := &Loop{
		adapter:     adapter,
		config:      config,
		listener:    listener,
		logger:      logger.With(log.String("component", "discovery"), log.String("node_id", config.NodeID)),
		clock:       clockwork.NewRealClock(),
		predicate:   transport.SessionPredicate(config.SessionID, config.NodeID),
		staleCycles: config.StaleCycles(),
		peers:       make(map[string]*Peer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Loop) Config() Config { return l.config }

// Run resolves once immediately and then every Interval until ctx is done.
// Resolve failures are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	ticker := l.clock.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.logger.Info("Discovery started",
		log.Duration("interval", l.config.Interval),
		log.Int("stale_cycles", l.staleCycles))

	for {
		if err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("Discovery cycle failed", log.Error(err))
		}
		select {
		case <-ctx.Done():
			l.logger.Debug("Discovery stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

type change struct {
	kind   int
	desc   transport.SourceDescriptor
	nodeID string
	missed int
}

const (
	changeJoined = iota
	changeUpdated
	changeLeft
)

// RunOnce performs a single resolve and applies the diff. It returns the
// resolve error, if any, after counting it.
func (l *Loop) RunOnce(ctx context.Context) error {
	defer l.cycles.Add(1)

	rctx, cancel := context.WithTimeout(ctx, l.config.ResolveTimeout)
	found, err := l.adapter.ResolveAvailable(rctx, l.predicate, l.config.ResolveTimeout, l.config.MaxResults)
	cancel()
	if err != nil {
		l.resolveErrors.Add(1)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", transport.ErrResolveTimeout, err)
		}
		return err
	}

	changes := l.apply(found)
	for _, c := range changes {
		switch c.kind {
		case changeJoined:
			l.logger.Info("Node discovered", log.String("peer", c.desc.NodeID), log.String("source_id", c.desc.SourceID))
			l.listener.NodeJoined(ctx, c.desc)
		case changeUpdated:
			l.logger.Debug("Node descriptor changed", log.String("peer", c.desc.NodeID))
			l.listener.NodeUpdated(ctx, c.desc)
		case changeLeft:
			l.logger.Info("Node stale", log.String("peer", c.nodeID), log.Int("missed_cycles", c.missed))
			l.listener.NodeLeft(ctx, c.nodeID, c.missed)
		}
	}
	return nil
}

func (l *Loop) apply(found []transport.SourceDescriptor) []change {
	now := l.clock.Now()

	byNode := make(map[string]transport.SourceDescriptor, len(found))
	for _, d := range found {
		if d.NodeID == "" || d.NodeID == l.config.NodeID {
			continue
		}
		// Keep the lowest source id when a node announces twice.
		if prev, ok := byNode[d.NodeID]; ok && prev.SourceID <= d.SourceID {
			continue
		}
		byNode[d.NodeID] = d
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []change
	for id, d := range byNode {
		p, known := l.peers[id]
		if !known {
			l.peers[id] = &Peer{Descriptor: d, FirstSeen: now, LastSeen: now}
			changes = append(changes, change{kind: changeJoined, desc: d, nodeID: id})
			continue
		}
		p.Missed = 0
		p.LastSeen = now
		if !p.Descriptor.Equal(d) {
			p.Descriptor = d
			changes = append(changes, change{kind: changeUpdated, desc: d, nodeID: id})
		}
	}
	for id, p := range l.peers {
		if _, seen := byNode[id]; seen {
			continue
		}
		p.Missed++
		if p.Missed >= l.staleCycles {
			delete(l.peers, id)
			changes = append(changes, change{kind: changeLeft, nodeID: id, missed: p.Missed})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].kind != changes[j].kind {
			return changes[i].kind < changes[j].kind
		}
		return changes[i].nodeID < changes[j].nodeID
	})
	return changes
}

// Touch records liveness for a known node outside of resolves, resetting its
// miss counter. It reports whether the node is known.
func (l *Loop) Touch(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[nodeID]
	if !ok {
		return false
	}
	p.Missed = 0
	p.LastSeen = l.clock.Now()
	return true
}

// Forget drops a node without notifying the listener, for departures learned
// from the node itself.
func (l *Loop) Forget(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[nodeID]
	delete(l.peers, nodeID)
	return ok
}

// Peers returns the known nodes sorted by id.
func (l *Loop) Peers() []Peer {
	l.mu.Lock()
	out := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, *p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.NodeID < out[j].Descriptor.NodeID })
	return out
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	known := len(l.peers)
	l.mu.Unlock()
	return Stats{
		Cycles:        l.cycles.Load(),
		ResolveErrors: l.resolveErrors.Load(),
		Known:         known,
	}
}
