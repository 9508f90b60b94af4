package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is the active part a node plays in the topology. It is derived from the
// node's active capability and never stored on its own.
type Role uint8

const (
	RoleInactive Role = iota
	RoleObserver
	RoleParticipant
	RoleRelay
	RoleTransformer
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleObserver:
		return "observer"
	case RoleParticipant:
		return "participant"
	case RoleRelay:
		return "relay"
	case RoleTransformer:
		return "transformer"
	case RoleCoordinator:
		return "coordinator"
	default:
		return "inactive"
	}
}

// MetadataCapabilityScore is the announced metadata key read by
// capability-based elections.
const MetadataCapabilityScore = "capabilityScore"

// Node is an immutable value describing one session member. Mutating methods
// return a modified copy; the Topology owns the authoritative copy.
type Node struct {
	id       string
	name     string
	caps     CapabilitySet
	active   Capability
	metadata map[string]string
}

// NewNode builds a node whose active capability is the default for caps.
func NewNode(id, name string, caps CapabilitySet, metadata map[string]string) (Node, error) {
	if strings.TrimSpace(id) == "" {
		return Node{}, fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if name == "" {
		name = id
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Node{
		id:       id,
		name:     name,
		caps:     caps,
		active:   defaultActive(caps),
		metadata: md,
	}, nil
}

// defaultActive picks the capability a freshly admitted node starts with.
// Coordinator is only ever activated through promotion.
func defaultActive(caps CapabilitySet) Capability {
	if caps.Has(CapabilityNone) {
		return CapabilityNone
	}
	for _, c := range []Capability{CapabilityParticipant, CapabilityRelay, CapabilityTransformer, CapabilityObserver} {
		if caps.Has(c) {
			return c
		}
	}
	return CapabilityNone
}

func (n Node) ID() string                  { return n.id }
func (n Node) Name() string                { return n.name }
func (n Node) Capabilities() CapabilitySet { return n.caps }
func (n Node) Active() Capability          { return n.active }

func (n Node) Role() Role {
	switch n.active {
	case CapabilityObserver:
		return RoleObserver
	case CapabilityParticipant:
		return RoleParticipant
	case CapabilityRelay:
		return RoleRelay
	case CapabilityTransformer:
		return RoleTransformer
	case CapabilityCoordinator:
		return RoleCoordinator
	default:
		return RoleInactive
	}
}

// Metadata returns a copy of the announced metadata.
func (n Node) Metadata() map[string]string {
	out := make(map[string]string, len(n.metadata))
	for k, v := range n.metadata {
		out[k] = v
	}
	return out
}

func (n Node) MetadataValue(key string) (string, bool) {
	v, ok := n.metadata[key]
	return v, ok
}

// CapabilityScore returns the announced score, falling back to the score of
// the declared capability set.
func (n Node) CapabilityScore() float64 {
	if raw, ok := n.metadata[MetadataCapabilityScore]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return n.caps.Score()
}

func (n Node) withActive(c Capability) Node {
	n.metadata = n.Metadata()
	n.active = c
	return n
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s role=%s caps=%s)", n.id, n.name, n.Role(), n.caps)
}

// CanPromote checks the promotion rule for activating target on n.
// Promotion activates a declared capability; it never grants a new one.
func CanPromote(n Node, target Capability) error {
	caps := n.caps
	switch target {
	case CapabilityObserver:
		return nil
	case CapabilityParticipant:
		if caps.Has(CapabilityParticipant) {
			return nil
		}
	case CapabilityRelay:
		if !caps.Has(CapabilityObserver) {
			return nil
		}
	case CapabilityTransformer, CapabilityCoordinator:
		if caps.Has(target) {
			return nil
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPromotion, target)
	}
	return fmt.Errorf("%w: %s cannot become %s with %s", ErrPromotionDenied, n.id, target, caps)
}

// Typed views. Each As* returns a view only when the matching predicate holds,
// so holders never need a cast that can fail.

type CoordinatorView struct{ node Node }

func (v CoordinatorView) Node() Node { return v.node }

func AsCoordinator(n Node) (CoordinatorView, bool) {
	if !n.caps.MayProduceCoordination() {
		return CoordinatorView{}, false
	}
	return CoordinatorView{node: n}, true
}

type ParticipantView struct{ node Node }

func (v ParticipantView) Node() Node { return v.node }

func AsParticipant(n Node) (ParticipantView, bool) {
	if !n.caps.MayProduceData() {
		return ParticipantView{}, false
	}
	return ParticipantView{node: n}, true
}

type ObserverView struct{ node Node }

func (v ObserverView) Node() Node { return v.node }

func AsObserver(n Node) (ObserverView, bool) {
	if !n.caps.MayConsumeData() {
		return ObserverView{}, false
	}
	return ObserverView{node: n}, true
}

// RelayView requires both directions of data permission.
type RelayView struct{ node Node }

func (v RelayView) Node() Node { return v.node }

func AsRelay(n Node) (RelayView, bool) {
	if !n.caps.MayConsumeData() || !n.caps.MayProduceData() {
		return RelayView{}, false
	}
	return RelayView{node: n}, true
}

type TransformerView struct{ node Node }

func (v TransformerView) Node() Node { return v.node }

func AsTransformer(n Node) (TransformerView, bool) {
	if !n.caps.MayProcessData() {
		return TransformerView{}, false
	}
	return TransformerView{node: n}, true
}
