package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a permission class a node may declare.
type Capability uint8

const (
	CapabilityNone Capability = iota
	CapabilityObserver
	CapabilityParticipant
	CapabilityRelay
	CapabilityTransformer
	CapabilityCoordinator
)

var capabilityNames = [...]string{
	CapabilityNone:        "none",
	CapabilityObserver:    "observer",
	CapabilityParticipant: "participant",
	CapabilityRelay:       "relay",
	CapabilityTransformer: "transformer",
	CapabilityCoordinator: "coordinator",
}

func (c Capability) String() string {
	if int(c) < len(capabilityNames) {
		return capabilityNames[c]
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// ParseCapability maps a config/wire name onto a Capability.
func ParseCapability(s string) (Capability, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range capabilityNames {
		if n == name {
			return Capability(i), nil
		}
	}
	return CapabilityNone, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// CapabilitySet is a bitmask of declared capabilities. The zero value is empty.
type CapabilitySet uint8

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

// ParseCapabilitySet parses names such as ["participant", "relay"].
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		s = s.With(c)
	}
	return s, nil
}

func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | 1<<c
}

func (s CapabilitySet) Without(c Capability) CapabilitySet {
	return s &^ (1 << c)
}

func (s CapabilitySet) Has(c Capability) bool {
	return s&(1<<c) != 0
}

// HasAny reports whether s contains at least one of caps.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

func (s CapabilitySet) IsEmpty() bool {
	return s == 0
}

// Slice returns the capabilities in declaration order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(capabilityNames))
	for i := range capabilityNames {
		if s.Has(Capability(i)) {
			out = append(out, Capability(i))
		}
	}
	return out
}

// Names returns the sorted capability names, the wire form of the set.
func (s CapabilitySet) Names() []string {
	caps := s.Slice()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	sort.Strings(out)
	return out
}

func (s CapabilitySet) String() string {
	return "[" + strings.Join(s.Names(), ",") + "]"
}

// Permission predicates. Each one is "(not none) AND (any required capability)";
// every authorization check in the module goes through these.

func (s CapabilitySet) MayProduceData() bool {
	return !s.Has(CapabilityNone) &&
		s.HasAny(CapabilityParticipant, CapabilityRelay, CapabilityTransformer)
}

func (s CapabilitySet) MayProduceCoordination() bool {
	return !s.Has(CapabilityNone) && s.Has(CapabilityCoordinator)
}

func (s CapabilitySet) MayConsumeData() bool {
	return !s.Has(CapabilityNone) &&
		s.HasAny(CapabilityObserver, CapabilityRelay, CapabilityTransformer, CapabilityCoordinator)
}

func (s CapabilitySet) MayConsumeCoordination() bool {
	return !s.Has(CapabilityNone) &&
		s.HasAny(CapabilityObserver, CapabilityParticipant, CapabilityRelay, CapabilityTransformer, CapabilityCoordinator)
}

func (s CapabilitySet) MayProcessData() bool {
	return !s.Has(CapabilityNone) && s.Has(CapabilityTransformer)
}

// Score is the default numeric weight of a set, used when a node announces no
// explicit capability score.
func (s CapabilitySet) Score() float64 {
	if s.Has(CapabilityNone) {
		return 0
	}
	var score float64
	weights := map[Capability]float64{
		CapabilityObserver:    1,
		CapabilityParticipant: 2,
		CapabilityRelay:       3,
		CapabilityTransformer: 4,
		CapabilityCoordinator: 8,
	}
	for c, w := range weights {
		if s.Has(c) {
			score += w
		}
	}
	return score
}
