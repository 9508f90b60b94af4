package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, id string, caps ...Capability) Node {
	t.Helper()
	n, err := NewNode(id, "", NewCapabilitySet(caps...), nil)
	require.NoError(t, err)
	return n
}

func newTopology(t *testing.T, maxNodes int) *Topology {
	t.Helper()
	cfg := DefaultTopologyConfig()
	cfg.MaxNodes = maxNodes
	topo, err := NewTopology("session-1", cfg)
	require.NoError(t, err)
	return topo
}

func TestTopologyRejectsDuplicateIDs(t *testing.T) {
	topo := newTopology(t, 64)
	rng := rand.New(rand.NewSource(7))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("n%d", rng.Intn(40))
		before := topo.Snapshot()
		err := topo.AddNode(mustNode(t, id, CapabilityParticipant))
		if seen[id] {
			require.ErrorIs(t, err, ErrDuplicateNode)
			assert.Equal(t, before, topo.Snapshot(), "failed add must not mutate")
			continue
		}
		require.NoError(t, err)
		seen[id] = true
	}

	ids := map[string]int{}
	for _, n := range topo.Snapshot() {
		ids[n.ID()]++
	}
	for id, c := range ids {
		assert.Equal(t, 1, c, "id %s appears more than once", id)
	}
	assert.Equal(t, len(seen), topo.Len())
}

func TestTopologyCapacityScenario(t *testing.T) {
	topo := newTopology(t, 3)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, topo.AddNode(mustNode(t, id, CapabilityParticipant)))
	}

	err := topo.AddNode(mustNode(t, "A", CapabilityParticipant))
	assert.ErrorIs(t, err, ErrDuplicateNode)

	err = topo.AddNode(mustNode(t, "D", CapabilityParticipant))
	assert.ErrorIs(t, err, ErrTopologyFull)
	assert.Equal(t, 3, topo.Len())
}

func TestTopologyRemoveUnknown(t *testing.T) {
	topo := newTopology(t, 3)
	require.NoError(t, topo.AddNode(mustNode(t, "A", CapabilityParticipant)))

	_, err := topo.RemoveNode("missing")
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, 1, topo.Len())

	removed, err := topo.RemoveNode("A")
	require.NoError(t, err)
	assert.Equal(t, "A", removed.ID())

	_, err = topo.RemoveNode("A")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestPromotionRules(t *testing.T) {
	cases := []struct {
		name   string
		caps   []Capability
		target Capability
		ok     bool
	}{
		{"observer always", []Capability{CapabilityParticipant}, CapabilityObserver, true},
		{"observer from none", []Capability{CapabilityNone}, CapabilityObserver, true},
		{"participant declared", []Capability{CapabilityParticipant}, CapabilityParticipant, true},
		{"participant undeclared", []Capability{CapabilityRelay}, CapabilityParticipant, false},
		{"relay without observer", []Capability{CapabilityParticipant}, CapabilityRelay, true},
		{"relay blocked by observer", []Capability{CapabilityObserver, CapabilityRelay}, CapabilityRelay, false},
		{"transformer declared", []Capability{CapabilityTransformer}, CapabilityTransformer, true},
		{"transformer undeclared", []Capability{CapabilityParticipant}, CapabilityTransformer, false},
		{"coordinator declared", []Capability{CapabilityCoordinator}, CapabilityCoordinator, true},
		{"coordinator undeclared", []Capability{CapabilityParticipant, CapabilityRelay}, CapabilityCoordinator, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topo := newTopology(t, 8)
			require.NoError(t, topo.AddNode(mustNode(t, "n1", tc.caps...)))
			before, _ := topo.Get("n1")
			n, err := topo.Promote("n1", tc.target)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.target, n.Active())
				got, _ := topo.Get("n1")
				assert.Equal(t, tc.target, got.Active())
				return
			}
			assert.ErrorIs(t, err, ErrPromotionDenied)
			got, _ := topo.Get("n1")
			assert.Equal(t, before.Active(), got.Active())
		})
	}
}

func TestCoordinatorPromotionNeedsDeclarationAtAnySize(t *testing.T) {
	for size := 1; size <= 16; size *= 2 {
		topo := newTopology(t, size)
		for i := 0; i < size; i++ {
			require.NoError(t, topo.AddNode(mustNode(t, fmt.Sprintf("n%02d", i),
				CapabilityParticipant, CapabilityRelay, CapabilityTransformer, CapabilityObserver)))
		}
		for _, n := range topo.Snapshot() {
			_, err := topo.Promote(n.ID(), CapabilityCoordinator)
			assert.True(t, errors.Is(err, ErrPromotionDenied), "size %d node %s", size, n.ID())
		}
		_, ok := topo.Coordinator()
		assert.False(t, ok)
	}
}

func TestPromoteNoneTargetIsInvalid(t *testing.T) {
	topo := newTopology(t, 2)
	require.NoError(t, topo.AddNode(mustNode(t, "n1", CapabilityParticipant)))
	_, err := topo.Promote("n1", CapabilityNone)
	assert.ErrorIs(t, err, ErrInvalidPromotion)
}

func TestPromoteDemoteAndCoordinatorLookup(t *testing.T) {
	topo := newTopology(t, 4)
	require.NoError(t, topo.AddNode(mustNode(t, "b", CapabilityParticipant, CapabilityCoordinator)))
	require.NoError(t, topo.AddNode(mustNode(t, "a", CapabilityParticipant)))

	assert.Len(t, topo.Candidates(), 1)

	n, err := topo.Promote("b", CapabilityCoordinator)
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, n.Role())

	c, ok := topo.Coordinator()
	require.True(t, ok)
	assert.Equal(t, "b", c.ID())

	n, err = topo.Demote("b")
	require.NoError(t, err)
	assert.Equal(t, RoleParticipant, n.Role())
	_, ok = topo.Coordinator()
	assert.False(t, ok)
}

func TestSecondCoordinatorIsRefused(t *testing.T) {
	topo := newTopology(t, 4)
	require.NoError(t, topo.AddNode(mustNode(t, "a", CapabilityParticipant, CapabilityCoordinator)))
	require.NoError(t, topo.AddNode(mustNode(t, "b", CapabilityParticipant, CapabilityCoordinator)))

	_, err := topo.Promote("a", CapabilityCoordinator)
	require.NoError(t, err)
	_, err = topo.Promote("b", CapabilityCoordinator)
	require.ErrorIs(t, err, ErrCoordinatorExists)

	// promoting the current coordinator again is a no-op
	_, err = topo.Promote("a", CapabilityCoordinator)
	require.NoError(t, err)

	_, err = topo.Demote("a")
	require.NoError(t, err)
	n, err := topo.Promote("b", CapabilityCoordinator)
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, n.Role())
}

func TestUpdateNodeKeepsDeclaredActive(t *testing.T) {
	topo := newTopology(t, 4)
	require.NoError(t, topo.AddNode(mustNode(t, "a", CapabilityParticipant, CapabilityCoordinator)))
	_, err := topo.Promote("a", CapabilityCoordinator)
	require.NoError(t, err)

	renamed, err := NewNode("a", "alpha", NewCapabilitySet(CapabilityParticipant, CapabilityCoordinator), nil)
	require.NoError(t, err)
	updated, err := topo.UpdateNode(renamed)
	require.NoError(t, err)
	assert.Equal(t, "alpha", updated.Name())
	assert.Equal(t, RoleCoordinator, updated.Role())

	dropped, err := NewNode("a", "alpha", NewCapabilitySet(CapabilityParticipant), nil)
	require.NoError(t, err)
	updated, err = topo.UpdateNode(dropped)
	require.NoError(t, err)
	assert.Equal(t, RoleParticipant, updated.Role())
}

func TestTopologyConfigValidate(t *testing.T) {
	cfg := DefaultTopologyConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MaxNodes = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Type = "mesh"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.DefaultCoordinatorCapabilities = NewCapabilitySet(CapabilityParticipant)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.PromotionStrategy = "random"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := NewTopology("", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
