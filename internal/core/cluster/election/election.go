// Package election runs coordinator elections over a candidate set.
//
// An Elector moves idle -> electing -> completed | failed. Non-voting
// strategies finish inside Start. Voting strategies stay in electing until
// Complete tallies the votes cast through Vote. Every election publishes
// ElectionStarted and then exactly one of ElectionCompleted or ElectionFailed.
package election

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

var (
	ErrVotingNotSupported = errors.New("election: strategy does not vote")
	ErrElectionInProgress = errors.New("election: election in progress")
	ErrUnknownElection    = errors.New("election: unknown election")
	ErrUnknownCandidate   = errors.New("election: unknown candidate")
	ErrUnknownStrategy    = errors.New("election: unknown strategy")
)

const ReasonNoCandidates = "no candidates"

type State uint8

const (
	StateIdle State = iota
	StateElecting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateElecting:
		return "electing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Result is an immutable snapshot of one election.
type Result struct {
	id          string
	state       State
	winner      *cluster.Node
	candidates  []cluster.Node
	votes       map[string]int
	reason      string
	startedAt   time.Time
	completedAt time.Time
}

func (r Result) ElectionID() string { return r.id }
func (r Result) State() State       { return r.state }
func (r Result) HasWinner() bool    { return r.winner != nil }
func (r Result) Reason() string     { return r.reason }

func (r Result) StartedAt() time.Time   { return r.startedAt }
func (r Result) CompletedAt() time.Time { return r.completedAt }

func (r Result) Winner() (cluster.Node, bool) {
	if r.winner == nil {
		return cluster.Node{}, false
	}
	return *r.winner, true
}

func (r Result) Candidates() []cluster.Node {
	return append([]cluster.Node(nil), r.candidates...)
}

func (r Result) CandidateIDs() []string {
	ids := make([]string, len(r.candidates))
	for i, n := range r.candidates {
		ids[i] = n.ID()
	}
	return ids
}

func (r Result) Votes() map[string]int {
	out := make(map[string]int, len(r.votes))
	for k, v := range r.votes {
		out[k] = v
	}
	return out
}

type Option func(*Elector)

// WithElectSelfFallback makes an election over no candidates elect the local node.
func WithElectSelfFallback(enabled bool) Option {
	return func(e *Elector) { e.electSelf = enabled }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Elector) { e.clock = clock }
}

type round struct {
	result Result
	// ballots maps a voter to its candidate; anonymous votes are appended.
	ballots   map[string]string
	anonymous []string
}

// Elector runs one election at a time on behalf of the local node.
type Elector struct {
	self      cluster.Node
	strategy  Strategy
	sink      events.Sink
	logger    log.Log
	clock     clockwork.Clock
	electSelf bool

	mu      sync.Mutex
	state   State
	current *round
	last    *Result
}

func New(self cluster.Node, strategy Strategy, sink events.Sink, logger log.Log, opts ...Option) *Elector {
	if sink == nil {
		sink = events.Discard
	}
	e := &Elector{
		self:     self,
		strategy: strategy,
		sink:     sink,
		logger:   logger.With(log.String("component", "election"), log.String("strategy", strategy.Name())),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Elector) Strategy() Strategy { return e.strategy }

func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Last returns the most recently finished election.
func (e *Elector) Last() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// Current returns the election awaiting votes, if any.
func (e *Elector) Current() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Result{}, false
	}
	return e.current.result, true
}

// Start begins an election over candidates. Duplicate ids are collapsed. The
// returned result is final unless the strategy requires voting, in which case
// its state is StateElecting.
func (e *Elector) Start(ctx context.Context, candidates []cluster.Node) (Result, error) {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return Result{}, ErrElectionInProgress
	}

	set := dedupe(candidates)
	r := &round{
		result: Result{
			id:         uuid.NewString(),
			state:      StateElecting,
			candidates: set,
			votes:      make(map[string]int),
			startedAt:  e.clock.Now(),
		},
		ballots: make(map[string]string),
	}
	e.state = StateElecting

	var final *Result
	switch {
	case len(set) == 0 && e.electSelf:
		final = e.finishLocked(r, &e.self, "")
	case len(set) == 0:
		final = e.finishLocked(r, nil, ReasonNoCandidates)
	case len(set) == 1:
		final = e.finishLocked(r, &set[0], "")
	case !e.strategy.RequiresVoting():
		w, _ := pick(ctx, e.strategy, set)
		final = e.finishLocked(r, &w, "")
	default:
		e.current = r
	}
	started := r.result
	e.mu.Unlock()

	e.logger.Info("Election started",
		log.String("election_id", started.id),
		log.Strings("candidates", started.CandidateIDs()))
	e.sink.Publish(events.ElectionStarted{
		Header:     events.NewHeader(e.self.ID()),
		ElectionID: started.id,
		Strategy:   e.strategy.Name(),
		Candidates: started.CandidateIDs(),
	})

	if final == nil {
		return started, nil
	}
	e.publishFinal(*final)
	return *final, nil
}

// Vote casts an anonymous vote for candidateID.
func (e *Elector) Vote(electionID, candidateID string) error {
	return e.VoteFrom(electionID, "", candidateID)
}

// VoteFrom records voterID's vote, replacing any earlier vote by the same voter.
func (e *Elector) VoteFrom(electionID, voterID, candidateID string) error {
	if !e.strategy.RequiresVoting() {
		return ErrVotingNotSupported
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.roundLocked(electionID)
	if err != nil {
		return err
	}
	if !contains(r.result.candidates, candidateID) {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}
	if voterID == "" {
		r.anonymous = append(r.anonymous, candidateID)
	} else {
		r.ballots[voterID] = candidateID
	}
	r.result.votes = tally(r)
	return nil
}

// Complete closes the voting round. The candidate with most votes wins; ties
// and empty ballots fall back to strategy priority, then smallest id.
func (e *Elector) Complete(ctx context.Context, electionID string) (Result, error) {
	if !e.strategy.RequiresVoting() {
		return Result{}, ErrVotingNotSupported
	}
	e.mu.Lock()
	r, err := e.roundLocked(electionID)
	if err != nil {
		e.mu.Unlock()
		return Result{}, err
	}

	votes := tally(r)
	top := 0
	for _, n := range votes {
		if n > top {
			top = n
		}
	}
	leaders := r.result.candidates
	if top > 0 {
		leaders = nil
		for _, c := range r.result.candidates {
			if votes[c.ID()] == top {
				leaders = append(leaders, c)
			}
		}
	}
	w, _ := pick(ctx, e.strategy, leaders)
	e.current = nil
	final := e.finishLocked(r, &w, "")
	e.mu.Unlock()

	e.publishFinal(*final)
	return *final, nil
}

// Fail abandons the voting round with reason.
func (e *Elector) Fail(electionID, reason string) (Result, error) {
	e.mu.Lock()
	r, err := e.roundLocked(electionID)
	if err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	e.current = nil
	final := e.finishLocked(r, nil, reason)
	e.mu.Unlock()

	e.publishFinal(*final)
	return *final, nil
}

func (e *Elector) roundLocked(electionID string) (*round, error) {
	if e.current == nil || e.current.result.id != electionID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElection, electionID)
	}
	return e.current, nil
}

func (e *Elector) finishLocked(r *round, winner *cluster.Node, reason string) *Result {
	res := r.result
	res.votes = tally(r)
	res.completedAt = e.clock.Now()
	if winner != nil {
		w := *winner
		res.winner = &w
		res.state = StateCompleted
	} else {
		res.state = StateFailed
		res.reason = reason
	}
	e.state = res.state
	e.last = &res
	return &res
}

func (e *Elector) publishFinal(res Result) {
	h := events.NewHeader(e.self.ID())
	if w, ok := res.Winner(); ok {
		e.logger.Info("Election completed",
			log.String("election_id", res.id),
			log.String("winner", w.ID()))
		e.sink.Publish(events.ElectionCompleted{
			Header:     h,
			ElectionID: res.id,
			Winner:     w,
			Candidates: res.CandidateIDs(),
			Votes:      res.Votes(),
		})
		return
	}
	e.logger.Warn("Election failed",
		log.String("election_id", res.id),
		log.String("reason", res.reason))
	e.sink.Publish(events.ElectionFailed{Header: h, ElectionID: res.id, Reason: res.reason})
}

func tally(r *round) map[string]int {
	votes := make(map[string]int, len(r.ballots)+len(r.anonymous))
	for _, c := range r.ballots {
		votes[c]++
	}
	for _, c := range r.anonymous {
		votes[c]++
	}
	return votes
}

func dedupe(nodes []cluster.Node) []cluster.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.ID()]; ok {
			continue
		}
		seen[n.ID()] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func contains(nodes []cluster.Node, id string) bool {
	for _, n := range nodes {
		if n.ID() == id {
			return true
		}
	}
	return false
}
