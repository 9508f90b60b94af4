package election

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

type sink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *sink) Publish(e events.Event) {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func (s *sink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, len(s.got))
	for i, e := range s.got {
		out[i] = e.Kind()
	}
	return out
}

func node(t *testing.T, id string, score string) cluster.Node {
	t.Helper()
	var md map[string]string
	if score != "" {
		md = map[string]string{cluster.MetadataCapabilityScore: score}
	}
	n, err := cluster.NewNode(id, id, cluster.NewCapabilitySet(cluster.CapabilityParticipant, cluster.CapabilityCoordinator), md)
	require.NoError(t, err)
	return n
}

func TestFirstNodeIsDeterministic(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	e := New(node(t, "B", ""), FirstNode{}, s, log.Nop())

	res, err := e.Start(ctx, []cluster.Node{node(t, "B", ""), node(t, "A", ""), node(t, "C", "")})
	require.NoError(t, err)
	require.True(t, res.HasWinner())
	w, _ := res.Winner()
	assert.Equal(t, "A", w.ID())
	assert.Equal(t, StateCompleted, res.State())
	assert.Equal(t, []string{"A", "B", "C"}, res.CandidateIDs())
	assert.Equal(t, []events.Kind{events.KindElectionStarted, events.KindElectionCompleted}, s.kinds())

	for _, self := range []string{"A", "B", "C"} {
		got := FirstNode{}.ShouldBecomeLeader(ctx, self, []cluster.Node{node(t, "C", ""), node(t, "B", ""), node(t, "A", "")})
		assert.Equal(t, self == "A", got, self)
	}
}

func TestCapabilityBasedPrefersScoreThenID(t *testing.T) {
	ctx := context.Background()
	e := New(node(t, "A", ""), CapabilityBased{}, nil, log.Nop())

	res, err := e.Start(ctx, []cluster.Node{node(t, "A", "1"), node(t, "B", "7.5"), node(t, "C", "3")})
	require.NoError(t, err)
	w, _ := res.Winner()
	assert.Equal(t, "B", w.ID())

	res, err = e.Start(ctx, []cluster.Node{node(t, "Z", "5"), node(t, "Y", "5")})
	require.NoError(t, err)
	w, _ = res.Winner()
	assert.Equal(t, "Y", w.ID())

	fallback := CapabilityBased{}.CalculatePriority(ctx, node(t, "X", "not-a-number"))
	assert.Equal(t, cluster.NewCapabilitySet(cluster.CapabilityParticipant, cluster.CapabilityCoordinator).Score(), fallback)
}

func TestEmptyCandidatesFailsWithoutFallback(t *testing.T) {
	s := &sink{}
	e := New(node(t, "A", ""), FirstNode{}, s, log.Nop())

	res, err := e.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.HasWinner())
	assert.Equal(t, StateFailed, res.State())
	assert.Equal(t, ReasonNoCandidates, res.Reason())
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, []events.Kind{events.KindElectionStarted, events.KindElectionFailed}, s.kinds())
}

func TestEmptyCandidatesElectsSelfWithFallback(t *testing.T) {
	e := New(node(t, "me", ""), MajorityVote{}, nil, log.Nop(), WithElectSelfFallback(true))
	res, err := e.Start(context.Background(), nil)
	require.NoError(t, err)
	w, ok := res.Winner()
	require.True(t, ok)
	assert.Equal(t, "me", w.ID())
	_, pending := e.Current()
	assert.False(t, pending)
}

func TestSingleCandidateWinsEvenWhenVoting(t *testing.T) {
	e := New(node(t, "A", ""), MajorityVote{}, nil, log.Nop())
	res, err := e.Start(context.Background(), []cluster.Node{node(t, "solo", ""), node(t, "solo", "")})
	require.NoError(t, err)
	w, _ := res.Winner()
	assert.Equal(t, "solo", w.ID())
	assert.Len(t, res.Candidates(), 1)
}

func TestVoteRejectedForNonVotingStrategies(t *testing.T) {
	e := New(node(t, "A", ""), FirstNode{}, nil, log.Nop())
	assert.ErrorIs(t, e.Vote("x", "A"), ErrVotingNotSupported)
	_, err := e.Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrVotingNotSupported)
}

func TestMajorityVoteTally(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	e := New(node(t, "A", ""), MajorityVote{}, s, log.Nop())
	candidates := []cluster.Node{node(t, "A", ""), node(t, "B", ""), node(t, "C", "")}

	res, err := e.Start(ctx, candidates)
	require.NoError(t, err)
	assert.Equal(t, StateElecting, res.State())
	assert.Equal(t, StateElecting, e.State())
	id := res.ElectionID()

	_, err = e.Start(ctx, candidates)
	assert.ErrorIs(t, err, ErrElectionInProgress)
	assert.ErrorIs(t, e.Vote("other", "A"), ErrUnknownElection)
	assert.ErrorIs(t, e.Vote(id, "nobody"), ErrUnknownCandidate)

	require.NoError(t, e.VoteFrom(id, "A", "C"))
	require.NoError(t, e.VoteFrom(id, "B", "B"))
	require.NoError(t, e.VoteFrom(id, "B", "C"))
	require.NoError(t, e.Vote(id, "A"))

	res, err = e.Complete(ctx, id)
	require.NoError(t, err)
	w, _ := res.Winner()
	assert.Equal(t, "C", w.ID())
	assert.Equal(t, map[string]int{"A": 1, "C": 2}, res.Votes())

	_, err = e.Complete(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownElection)
	assert.Equal(t, []events.Kind{events.KindElectionStarted, events.KindElectionCompleted}, s.kinds())

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, id, last.ElectionID())
}

func TestMajorityVoteTieFallsBackToPriority(t *testing.T) {
	ctx := context.Background()
	e := New(node(t, "A", ""), MajorityVote{}, nil, log.Nop())
	res, err := e.Start(ctx, []cluster.Node{node(t, "A", "1"), node(t, "B", "9"), node(t, "C", "1")})
	require.NoError(t, err)

	require.NoError(t, e.VoteFrom(res.ElectionID(), "x", "A"))
	require.NoError(t, e.VoteFrom(res.ElectionID(), "y", "C"))
	res, err = e.Complete(ctx, res.ElectionID())
	require.NoError(t, err)
	w, _ := res.Winner()
	assert.Equal(t, "A", w.ID())
}

func TestFailVotingRound(t *testing.T) {
	s := &sink{}
	e := New(node(t, "A", ""), MajorityVote{}, s, log.Nop())
	res, err := e.Start(context.Background(), []cluster.Node{node(t, "A", ""), node(t, "B", "")})
	require.NoError(t, err)

	res, err = e.Fail(res.ElectionID(), "timeout")
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Reason())
	assert.Equal(t, []events.Kind{events.KindElectionStarted, events.KindElectionFailed}, s.kinds())
}

func TestResultIsImmutable(t *testing.T) {
	e := New(node(t, "A", ""), FirstNode{}, nil, log.Nop())
	res, err := e.Start(context.Background(), []cluster.Node{node(t, "A", ""), node(t, "B", "")})
	require.NoError(t, err)

	votes := res.Votes()
	votes["A"] = 99
	cands := res.Candidates()
	cands[0] = node(t, "Q", "")

	assert.Empty(t, res.Votes())
	assert.Equal(t, []string{"A", "B"}, res.CandidateIDs())
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor(cluster.PromotionMajorityVote)
	require.NoError(t, err)
	assert.True(t, s.RequiresVoting())

	_, err = StrategyFor("raft")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
