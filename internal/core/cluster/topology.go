package cluster

import (
	"fmt"
	"sort"
	"sync"
)

// TopologyType names the shape of a session. Only hierarchical (one
// coordinator, many members) is supported.
type TopologyType string

const TopologyHierarchical TopologyType = "hierarchical"

// PromotionStrategy selects how a coordinator is chosen when autoPromotion is on.
type PromotionStrategy string

const (
	PromotionFirstNode       PromotionStrategy = "firstNode"
	PromotionCapabilityBased PromotionStrategy = "capabilityBased"
	PromotionMajorityVote    PromotionStrategy = "majorityVote"
)

// TopologyConfig is validated once and then copied into the Topology.
type TopologyConfig struct {
	Type                           TopologyType
	MaxNodes                       int
	DefaultNodeCapabilities        CapabilitySet
	DefaultCoordinatorCapabilities CapabilitySet
	AutoPromotion                  bool
	PromotionStrategy              PromotionStrategy
}

func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		Type:                           TopologyHierarchical,
		MaxNodes:                       32,
		DefaultNodeCapabilities:        NewCapabilitySet(CapabilityParticipant),
		DefaultCoordinatorCapabilities: NewCapabilitySet(CapabilityParticipant, CapabilityCoordinator),
		AutoPromotion:                  true,
		PromotionStrategy:              PromotionFirstNode,
	}
}

func (c TopologyConfig) Validate() error {
	if c.Type != TopologyHierarchical {
		return fmt.Errorf("%w: unsupported topology type %q", ErrInvalidConfig, c.Type)
	}
	if c.MaxNodes < 1 {
		return fmt.Errorf("%w: maxNodes must be positive, got %d", ErrInvalidConfig, c.MaxNodes)
	}
	if c.DefaultNodeCapabilities.IsEmpty() {
		return fmt.Errorf("%w: defaultNodeCapabilities is empty", ErrInvalidConfig)
	}
	if !c.DefaultCoordinatorCapabilities.Has(CapabilityCoordinator) {
		return fmt.Errorf("%w: defaultCoordinatorCapabilities must include coordinator", ErrInvalidConfig)
	}
	switch c.PromotionStrategy {
	case PromotionFirstNode, PromotionCapabilityBased, PromotionMajorityVote:
	default:
		return fmt.Errorf("%w: unknown promotion strategy %q", ErrInvalidConfig, c.PromotionStrategy)
	}
	return nil
}

// Topology is the membership of one session. All mutations happen under a
// single lock and either fully apply or leave the topology untouched.
type Topology struct {
	id     string
	config TopologyConfig

	mu    sync.RWMutex
	nodes map[string]Node
}

func NewTopology(id string, config TopologyConfig) (*Topology, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty topology id", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Topology{
		id:     id,
		config: config,
		nodes:  make(map[string]Node),
	}, nil
}

func (t *Topology) ID() string             { return t.id }
func (t *Topology) Config() TopologyConfig { return t.config }

// AddNode admits n. A duplicate id fails with ErrDuplicateNode, a full
// topology with ErrTopologyFull.
func (t *Topology) AddNode(n Node) error {
	if n.id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nodes[n.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.id)
	}
	if len(t.nodes) >= t.config.MaxNodes {
		return fmt.Errorf("%w: %d nodes", ErrTopologyFull, t.config.MaxNodes)
	}
	t.nodes[n.id] = n
	return nil
}

// RemoveNode drops id and returns the removed node.
func (t *Topology) RemoveNode(id string) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	delete(t.nodes, id)
	return n, nil
}

// UpdateNode replaces the announced name, capabilities and metadata of an
// existing node. The active capability survives if it is still declared.
func (t *Topology) UpdateNode(n Node) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.nodes[n.id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, n.id)
	}
	updated := n
	updated.active = cur.active
	if cur.active != CapabilityNone && cur.active != CapabilityObserver && !n.caps.Has(cur.active) {
		updated.active = defaultActive(n.caps)
	}
	t.nodes[n.id] = updated
	return updated, nil
}

// Promote activates target on node id if the promotion rule allows it. At
// most one node coordinates; the current one has to be demoted first.
func (t *Topology) Promote(id string, target Capability) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if err := CanPromote(n, target); err != nil {
		return Node{}, err
	}
	if target == CapabilityCoordinator {
		for other, m := range t.nodes {
			if other != id && m.active == CapabilityCoordinator {
				return Node{}, fmt.Errorf("%w: %s", ErrCoordinatorExists, other)
			}
		}
	}
	n = n.withActive(target)
	t.nodes[id] = n
	return n, nil
}

// Demote returns node id to its default active capability.
func (t *Topology) Demote(id string) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n = n.withActive(defaultActive(n.caps))
	t.nodes[id] = n
	return n, nil
}

func (t *Topology) Get(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

func (t *Topology) Contains(id string) bool {
	_, ok := t.Get(id)
	return ok
}

func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Snapshot returns all nodes sorted by id.
func (t *Topology) Snapshot() []Node {
	t.mu.RLock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Coordinator returns the node currently acting as coordinator, if any.
func (t *Topology) Coordinator() (Node, bool) {
	for _, n := range t.Snapshot() {
		if n.Role() == RoleCoordinator {
			return n, true
		}
	}
	return Node{}, false
}

// Candidates returns the nodes that declare the coordinator capability.
func (t *Topology) Candidates() []Node {
	all := t.Snapshot()
	out := all[:0]
	for _, n := range all {
		if _, ok := AsCoordinator(n); ok {
			out = append(out, n)
		}
	}
	return out
}
