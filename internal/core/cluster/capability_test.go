package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicatesNoneOverridesEverything(t *testing.T) {
	all := NewCapabilitySet(CapabilityObserver, CapabilityParticipant, CapabilityRelay,
		CapabilityTransformer, CapabilityCoordinator)
	require.True(t, all.MayProduceData())
	require.True(t, all.MayProduceCoordination())
	require.True(t, all.MayConsumeData())
	require.True(t, all.MayConsumeCoordination())
	require.True(t, all.MayProcessData())

	blocked := all.With(CapabilityNone)
	assert.False(t, blocked.MayProduceData())
	assert.False(t, blocked.MayProduceCoordination())
	assert.False(t, blocked.MayConsumeData())
	assert.False(t, blocked.MayConsumeCoordination())
	assert.False(t, blocked.MayProcessData())
	assert.Zero(t, blocked.Score())
}

func TestPredicatesPerCapability(t *testing.T) {
	cases := []struct {
		cap                                                  Capability
		produceData, produceCoord, consumeData, consumeCoord bool
		process                                              bool
	}{
		{CapabilityObserver, false, false, true, true, false},
		{CapabilityParticipant, true, false, false, true, false},
		{CapabilityRelay, true, false, true, true, false},
		{CapabilityTransformer, true, false, true, true, true},
		{CapabilityCoordinator, false, true, true, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.cap.String(), func(t *testing.T) {
			s := NewCapabilitySet(tc.cap)
			assert.Equal(t, tc.produceData, s.MayProduceData())
			assert.Equal(t, tc.produceCoord, s.MayProduceCoordination())
			assert.Equal(t, tc.consumeData, s.MayConsumeData())
			assert.Equal(t, tc.consumeCoord, s.MayConsumeCoordination())
			assert.Equal(t, tc.process, s.MayProcessData())
		})
	}

	var empty CapabilitySet
	assert.False(t, empty.MayConsumeCoordination())
}

func TestParseCapabilitySet(t *testing.T) {
	s, err := ParseCapabilitySet([]string{"Participant", " relay "})
	require.NoError(t, err)
	assert.True(t, s.Has(CapabilityParticipant))
	assert.True(t, s.Has(CapabilityRelay))
	assert.Equal(t, []string{"participant", "relay"}, s.Names())

	_, err = ParseCapabilitySet([]string{"admin"})
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestTypedViews(t *testing.T) {
	coord := mustNode(t, "c", CapabilityCoordinator)
	part := mustNode(t, "p", CapabilityParticipant)

	v, ok := AsCoordinator(coord)
	require.True(t, ok)
	assert.Equal(t, "c", v.Node().ID())
	_, ok = AsCoordinator(part)
	assert.False(t, ok)

	_, ok = AsParticipant(part)
	assert.True(t, ok)
	_, ok = AsRelay(part)
	assert.False(t, ok)
	_, ok = AsRelay(mustNode(t, "r", CapabilityRelay))
	assert.True(t, ok)
	_, ok = AsTransformer(mustNode(t, "t", CapabilityTransformer))
	assert.True(t, ok)
	_, ok = AsObserver(mustNode(t, "o", CapabilityObserver))
	assert.True(t, ok)
}

func TestNodeDefaultsAndScore(t *testing.T) {
	n, err := NewNode("x", "", NewCapabilitySet(CapabilityObserver, CapabilityCoordinator),
		map[string]string{MetadataCapabilityScore: "42.5"})
	require.NoError(t, err)
	assert.Equal(t, "x", n.Name())
	assert.Equal(t, RoleObserver, n.Role())
	assert.Equal(t, 42.5, n.CapabilityScore())

	plain := mustNode(t, "y", CapabilityParticipant, CapabilityCoordinator)
	assert.Equal(t, 10.0, plain.CapabilityScore())

	_, err = NewNode(" ", "", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidNode)
}
