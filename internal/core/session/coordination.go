package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/cluster/election"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/protocol"
	"github.com/zeusync/syncmesh/internal/core/resources"
)

// messageVote is the custom message carrying a majority-vote ballot.
const messageVote = "syncmesh.vote"

// maybeElect starts an election when auto promotion is on and nobody
// coordinates.
func (s *Session) maybeElect(ctx context.Context) {
	if !s.config.Topology.AutoPromotion {
		return
	}
	if _, ok := s.topology.Coordinator(); ok {
		return
	}
	if _, err := s.Elect(ctx); err != nil && !errors.Is(err, election.ErrElectionInProgress) {
		s.logger.Warn("Election not started", log.Error(err))
	}
}

// Elect runs an election over the current candidates and applies the
// winner. With a voting strategy the returned result is still electing: the
// ballot closes after ElectionTimeout and the outcome arrives as an event.
func (s *Session) Elect(ctx context.Context) (election.Result, error) {
	s.electMu.Lock()
	defer s.electMu.Unlock()

	res, err := s.elector.Start(ctx, s.topology.Candidates())
	if err != nil {
		return res, err
	}
	if res.State() == election.StateElecting {
		s.openBallot(ctx, res)
		return res, nil
	}
	s.applyResult(ctx, res)
	return res, nil
}

func (s *Session) openBallot(ctx context.Context, res election.Result) {
	id := res.ElectionID()
	if preferred, ok := election.Preferred(ctx, s.elector.Strategy(), res.Candidates()); ok {
		if err := s.elector.VoteFrom(id, s.config.NodeID, preferred.ID()); err != nil {
			s.logger.Warn("Own vote rejected", log.Error(err))
		}
		msg := protocol.NewCustom(messageVote, map[string]any{protocol.KeyNodeID: preferred.ID()})
		if err := s.channel.SendMessage(ctx, msg); err != nil {
			s.logger.Warn("Vote broadcast failed", log.Error(err))
		}
	}

	s.mu.Lock()
	buffered := make(map[string]string, len(s.votes))
	for voter, candidate := range s.votes {
		buffered[voter] = candidate
	}
	s.mu.Unlock()
	for voter, candidate := range buffered {
		if err := s.elector.VoteFrom(id, voter, candidate); err != nil {
			s.logger.Debug("Buffered vote dropped", log.String("voter", voter), log.Error(err))
		}
	}

	s.electionTimer = s.clock.AfterFunc(s.config.ElectionTimeout, func() {
		s.closeBallot(id)
	})
}

func (s *Session) closeBallot(electionID string) {
	ctx := s.runContext()
	s.electMu.Lock()
	defer s.electMu.Unlock()

	s.electionTimer = nil
	res, err := s.elector.Complete(ctx, electionID)
	if err != nil {
		// the round was abandoned in the meantime
		return
	}
	s.mu.Lock()
	s.votes = make(map[string]string)
	s.mu.Unlock()
	s.applyResult(ctx, res)
}

func (s *Session) stopBallot() {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
		s.electionTimer = nil
	}
}

func (s *Session) abandonElection(reason string) {
	s.electMu.Lock()
	defer s.electMu.Unlock()
	s.stopBallot()
	if cur, ok := s.elector.Current(); ok {
		_, _ = s.elector.Fail(cur.ElectionID(), reason)
	}
}

func (s *Session) receiveVote(ctx context.Context, voter, candidate string) {
	if candidate == "" {
		return
	}
	s.mu.Lock()
	s.votes[voter] = candidate
	s.mu.Unlock()

	if cur, ok := s.elector.Current(); ok {
		if err := s.elector.VoteFrom(cur.ElectionID(), voter, candidate); err != nil {
			s.logger.Debug("Vote dropped", log.String("voter", voter), log.Error(err))
		}
		return
	}
	// a peer opened a ballot: join it unless someone already coordinates
	if _, ok := s.topology.Coordinator(); ok {
		return
	}
	if _, err := s.Elect(ctx); err != nil && !errors.Is(err, election.ErrElectionInProgress) {
		s.logger.Warn("Election not started", log.Error(err))
	}
}

// applyResult must be called with electMu held.
func (s *Session) applyResult(ctx context.Context, res election.Result) {
	winner, ok := res.Winner()
	if !ok {
		return
	}
	if err := s.setCoordinator(ctx, winner.ID()); err != nil {
		s.logger.Warn("Election winner not promoted",
			log.String("election_id", res.ElectionID()),
			log.String("winner", winner.ID()),
			log.Error(err))
	}
}

// setCoordinator makes id the only coordinator. It must be called with
// electMu held.
func (s *Session) setCoordinator(ctx context.Context, id string) error {
	target, ok := s.topology.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
	}
	if err := cluster.CanPromote(target, cluster.CapabilityCoordinator); err != nil {
		return err
	}
	if cur, has := s.topology.Coordinator(); has {
		if cur.ID() == id {
			return nil
		}
		s.demoteLocked(ctx, cur)
	}

	promoted, err := s.topology.Promote(id, cluster.CapabilityCoordinator)
	if err != nil {
		return err
	}
	s.roleChanged(target, promoted)

	if id == s.config.NodeID {
		msg := protocol.NewRoleChange(id, target.Role().String(), promoted.Role().String())
		if err = s.channel.SendMessage(ctx, msg); err != nil {
			s.logger.Warn("Role announcement failed", log.Error(err))
		}
		s.announceTopology(ctx)
		return nil
	}

	s.mu.Lock()
	source := s.sources[id]
	s.mu.Unlock()
	if _, err = s.conns.Open(leaderConnection(id), resources.ConnectionLeader, source); err != nil &&
		!errors.Is(err, resources.ErrConnectionExists) {
		s.logger.Warn("Leader connection refused", log.String("coordinator", id), log.Error(err))
	}
	return nil
}

func (s *Session) demoteLocked(ctx context.Context, n cluster.Node) {
	after, err := s.topology.Demote(n.ID())
	if err != nil {
		return
	}
	s.conns.Close(leaderConnection(n.ID()))
	s.roleChanged(n, after)
	if n.ID() == s.config.NodeID {
		msg := protocol.NewRoleChange(n.ID(), n.Role().String(), after.Role().String())
		if err = s.channel.SendMessage(ctx, msg); err != nil {
			s.logger.Warn("Role announcement failed", log.Error(err))
		}
	}
}

func (s *Session) roleChanged(before, after cluster.Node) {
	if before.Role() == after.Role() {
		return
	}
	s.logger.Info("Role changed",
		log.String("node", after.ID()),
		log.String("from", before.Role().String()),
		log.String("to", after.Role().String()))
	s.events.Publish(events.RoleChanged{
		Header: s.header(),
		NodeID: after.ID(),
		From:   before.Role(),
		To:     after.Role(),
	})
}

// acceptCoordinator handles a peer claiming the coordinator role. When two
// nodes claim it, the one the promotion strategy prefers keeps it.
func (s *Session) acceptCoordinator(ctx context.Context, claimant string) {
	s.electMu.Lock()
	defer s.electMu.Unlock()

	claim, ok := s.topology.Get(claimant)
	if !ok {
		s.logger.Debug("Coordinator claim from unknown node", log.String("claimant", claimant))
		return
	}
	if cur, has := s.topology.Coordinator(); has && cur.ID() != claimant {
		preferred, _ := election.Preferred(ctx, s.elector.Strategy(), []cluster.Node{cur, claim})
		if preferred.ID() == cur.ID() {
			s.logger.Info("Competing coordinator claim rejected",
				log.String("claimant", claimant),
				log.String("coordinator", cur.ID()))
			if cur.ID() == s.config.NodeID {
				s.announceTopology(ctx)
			}
			return
		}
	}

	if cur, running := s.elector.Current(); running {
		s.stopBallot()
		_, _ = s.elector.Fail(cur.ElectionID(), "coordinator announced by "+claimant)
	}
	if err := s.setCoordinator(ctx, claimant); err != nil {
		s.logger.Warn("Coordinator claim not applied", log.String("claimant", claimant), log.Error(err))
	}
}

// receiveRoleChange applies a peer's announcement about its own role.
func (s *Session) receiveRoleChange(ctx context.Context, in protocol.Inbound) {
	nodeID := in.Message.GetString(protocol.KeyNodeID)
	if nodeID != in.From {
		s.logger.Warn("Role change for another node ignored", log.String("from", in.From), log.String("node", nodeID))
		return
	}
	from := in.Message.GetString(protocol.KeyFrom)
	to := in.Message.GetString(protocol.KeyTo)
	coordinator := cluster.RoleCoordinator.String()

	switch {
	case to == coordinator:
		s.acceptCoordinator(ctx, nodeID)
	case from == coordinator:
		s.electMu.Lock()
		if n, ok := s.topology.Get(nodeID); ok && n.Role() == cluster.RoleCoordinator {
			s.demoteLocked(ctx, n)
		}
		s.electMu.Unlock()
		s.maybeElect(ctx)
	default:
		target, err := cluster.ParseCapability(to)
		if err != nil {
			s.logger.Debug("Unknown role in announcement", log.String("role", to))
			return
		}
		before, ok := s.topology.Get(nodeID)
		if !ok {
			return
		}
		after, err := s.topology.Promote(nodeID, target)
		if err != nil {
			s.logger.Warn("Announced role not applied", log.String("node", nodeID), log.Error(err))
			return
		}
		s.roleChanged(before, after)
	}
}

func (s *Session) receiveTopologyUpdate(ctx context.Context, in protocol.Inbound) {
	coordinator := in.Message.GetString(protocol.KeyCoordinator)
	if coordinator != "" && coordinator != in.From {
		s.logger.Debug("Topology update naming a third party ignored", log.String("from", in.From))
		return
	}

	unknown := 0
	for _, id := range in.Message.GetStrings(protocol.KeyNodes) {
		if !s.topology.Contains(id) {
			unknown++
		}
	}
	if unknown > 0 {
		s.logger.Debug("Topology update lists unknown nodes", log.Int("unknown", unknown))
		if err := s.discovery.RunOnce(ctx); err != nil {
			s.logger.Debug("Discovery after topology update failed", log.Error(err))
		}
	}
	if coordinator != "" {
		s.acceptCoordinator(ctx, coordinator)
	}
}

// Promote activates capability c on node id. Promoting to coordinator demotes
// the current coordinator first. Changes to the local node are announced.
func (s *Session) Promote(ctx context.Context, id string, c cluster.Capability) (cluster.Node, error) {
	s.electMu.Lock()
	defer s.electMu.Unlock()

	if c == cluster.CapabilityCoordinator {
		if err := s.setCoordinator(ctx, id); err != nil {
			return cluster.Node{}, err
		}
		n, _ := s.topology.Get(id)
		return n, nil
	}

	before, ok := s.topology.Get(id)
	if !ok {
		return cluster.Node{}, fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
	}
	after, err := s.topology.Promote(id, c)
	if err != nil {
		return cluster.Node{}, err
	}
	s.roleChanged(before, after)
	if id == s.config.NodeID && before.Role() != after.Role() {
		msg := protocol.NewRoleChange(id, before.Role().String(), after.Role().String())
		if err = s.channel.SendMessage(ctx, msg); err != nil {
			s.logger.Warn("Role announcement failed", log.Error(err))
		}
	}
	return after, nil
}

// Demote returns node id to its default capability. Demoting the coordinator
// leaves the session without one until the next election.
func (s *Session) Demote(ctx context.Context, id string) (cluster.Node, error) {
	s.electMu.Lock()
	defer s.electMu.Unlock()
	n, ok := s.topology.Get(id)
	if !ok {
		return cluster.Node{}, fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
	}
	s.demoteLocked(ctx, n)
	after, _ := s.topology.Get(id)
	return after, nil
}
