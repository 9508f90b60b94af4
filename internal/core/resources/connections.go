package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrConnectionLimit  = errors.New("resources: connection limit reached")
	ErrConnectionExists = errors.New("resources: connection already open")
	ErrInvalidLimits    = errors.New("resources: invalid connection limits")
)

type ConnectionKind uint8

const (
	ConnectionPeer ConnectionKind = iota
	ConnectionClient
	ConnectionLeader
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionPeer:
		return "peer"
	case ConnectionClient:
		return "client"
	case ConnectionLeader:
		return "leader"
	}
	return fmt.Sprintf("connection(%d)", uint8(k))
}

type Limits struct {
	MaxPeerConnections   int `yaml:"maxPeerConnections" toml:"maxPeerConnections"`
	MaxClientConnections int `yaml:"maxClientConnections" toml:"maxClientConnections"`
	MaxLeaderConnections int `yaml:"maxLeaderConnections" toml:"maxLeaderConnections"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxPeerConnections:   16,
		MaxClientConnections: 32,
		MaxLeaderConnections: 1,
	}
}

func (l Limits) Validate() error {
	if l.MaxPeerConnections < 1 || l.MaxClientConnections < 1 || l.MaxLeaderConnections < 1 {
		return fmt.Errorf("%w: every limit must be positive, got %+v", ErrInvalidLimits, l)
	}
	return nil
}

func (l Limits) max(k ConnectionKind) int {
	switch k {
	case ConnectionPeer:
		return l.MaxPeerConnections
	case ConnectionClient:
		return l.MaxClientConnections
	default:
		return l.MaxLeaderConnections
	}
}

type Connection struct {
	ID       string
	Kind     ConnectionKind
	Remote   string
	OpenedAt time.Time
}

type ConnectionStats struct {
	Peer     int
	Client   int
	Leader   int
	Rejected uint64
}

// ProbeFunc checks one open connection during a health sweep.
type ProbeFunc func(ctx context.Context, c Connection) error

type ConnectionOption func(*ConnectionManager)

func WithProbe(probe ProbeFunc) ConnectionOption {
	return func(cm *ConnectionManager) { cm.probe = probe }
}

func WithConnectionClock(clock clockwork.Clock) ConnectionOption {
	return func(cm *ConnectionManager) { cm.clock = clock }
}

// ConnectionManager counts open connections per kind and refuses to exceed
// its limits.
type ConnectionManager struct {
	name   string
	limits Limits
	clock  clockwork.Clock
	probe  ProbeFunc

	mu       sync.Mutex
	conns    map[string]Connection
	counts   [3]int
	rejected uint64
}

func NewConnectionManager(name string, limits Limits, opts ...ConnectionOption) (*ConnectionManager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	cm := &ConnectionManager{
		name:   name,
		limits: limits,
		clock:  clockwork.NewRealClock(),
		conns:  make(map[string]Connection),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm, nil
}

func (cm *ConnectionManager) Name() string   { return cm.name }
func (cm *ConnectionManager) Limits() Limits { return cm.limits }

func (cm *ConnectionManager) Open(id string, kind ConnectionKind, remote string) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.conns[id]; ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrConnectionExists, id)
	}
	if cm.counts[kind] >= cm.limits.max(kind) {
		cm.rejected++
		return Connection{}, fmt.Errorf("%w: %d %s connections", ErrConnectionLimit, cm.counts[kind], kind)
	}
	c := Connection{ID: id, Kind: kind, Remote: remote, OpenedAt: cm.clock.Now()}
	cm.conns[id] = c
	cm.counts[kind]++
	return c, nil
}

// Close reports whether id was open.
func (cm *ConnectionManager) Close(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[id]
	if !ok {
		return false
	}
	delete(cm.conns, id)
	cm.counts[c.Kind]--
	return true
}

func (cm *ConnectionManager) Get(id string) (Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[id]
	return c, ok
}

func (cm *ConnectionManager) Count(kind ConnectionKind) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.counts[kind]
}

// List returns open connections sorted by id.
func (cm *ConnectionManager) List() []Connection {
	cm.mu.Lock()
	out := make([]Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	cm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ConnectionStats{
		Peer:     cm.counts[ConnectionPeer],
		Client:   cm.counts[ConnectionClient],
		Leader:   cm.counts[ConnectionLeader],
		Rejected: cm.rejected,
	}
}

// HealthCheck probes every open connection. Without a probe the manager is
// always healthy.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) (bool, error) {
	if cm.probe == nil {
		return true, nil
	}
	var errs []error
	for _, c := range cm.List() {
		if err := cm.probe(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.Kind, c.ID, err))
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}
