package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/protocol"
	"github.com/zeusync/syncmesh/internal/core/resources"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

func peerConnection(nodeID string) string   { return "peer/" + nodeID }
func leaderConnection(nodeID string) string { return "leader/" + nodeID }

// nodeFromDescriptor builds the topology view of an announced peer. A peer
// that declares nothing gets the topology's default capabilities.
func (s *Session) nodeFromDescriptor(desc transport.SourceDescriptor) (cluster.Node, error) {
	caps, err := cluster.ParseCapabilitySet(desc.Capabilities)
	if err != nil {
		return cluster.Node{}, err
	}
	if caps.IsEmpty() {
		caps = s.topology.Config().DefaultNodeCapabilities
	}
	return cluster.NewNode(desc.NodeID, desc.Name, caps, desc.Metadata)
}

func (s *Session) nodeJoined(ctx context.Context, desc transport.SourceDescriptor) {
	logger := s.logger.With(log.String("peer", desc.NodeID))
	node, err := s.nodeFromDescriptor(desc)
	if err != nil {
		logger.Warn("Ignoring peer with invalid descriptor", log.Error(err))
		return
	}
	// a refused peer is forgotten so the next cycle offers it again
	if _, err = s.conns.Open(peerConnection(node.ID()), resources.ConnectionPeer, desc.SourceID); err != nil {
		logger.Warn("Peer rejected", log.Error(err))
		s.discovery.Forget(node.ID())
		return
	}
	if err = s.topology.AddNode(node); err != nil {
		s.conns.Close(peerConnection(node.ID()))
		if errors.Is(err, cluster.ErrDuplicateNode) {
			logger.Debug("Peer already known")
			return
		}
		logger.Warn("Peer not admitted", log.Error(err))
		s.discovery.Forget(node.ID())
		return
	}
	s.subscribePeer(ctx, node.ID(), desc.SourceID)

	logger.Info("Peer joined", log.String("capabilities", node.Capabilities().String()))
	s.events.Publish(events.NetworkFound{Header: s.header(), Node: node})
	s.publishTopology("joined " + node.ID())

	if s.IsCoordinator() {
		s.announceTopology(ctx)
	}
	s.maybeElect(ctx)
}

func (s *Session) subscribePeer(ctx context.Context, nodeID, sourceID string) {
	if err := s.adapter.SubscribeToSource(ctx, sourceID); err != nil {
		s.logger.Warn("Subscribe to peer failed",
			log.String("peer", nodeID),
			log.String("source_id", sourceID),
			log.Error(err))
		return
	}
	s.mu.Lock()
	s.sources[nodeID] = sourceID
	s.mu.Unlock()
}

func (s *Session) nodeLeft(ctx context.Context, nodeID string, missed int) {
	s.removePeer(ctx, nodeID, missed, "stale")
}

func (s *Session) nodeUpdated(ctx context.Context, desc transport.SourceDescriptor) {
	node, err := s.nodeFromDescriptor(desc)
	if err != nil {
		s.logger.Warn("Ignoring invalid descriptor update", log.String("peer", desc.NodeID), log.Error(err))
		return
	}
	updated, err := s.topology.UpdateNode(node)
	if err != nil {
		s.logger.Debug("Update for unknown peer", log.String("peer", desc.NodeID), log.Error(err))
		return
	}

	s.mu.Lock()
	old, subscribed := s.sources[desc.NodeID]
	s.mu.Unlock()
	if !subscribed || old != desc.SourceID {
		if subscribed {
			if err = s.adapter.UnsubscribeFromSource(ctx, old); err != nil {
				s.logger.Debug("Unsubscribe from old source failed", log.String("source_id", old), log.Error(err))
			}
		}
		s.subscribePeer(ctx, desc.NodeID, desc.SourceID)
	}
	s.events.Publish(events.NetworkUpdated{Header: s.header(), Node: updated})
}

// removePeer drops nodeID from the topology and releases everything held for
// it. missed is zero for a graceful departure.
func (s *Session) removePeer(ctx context.Context, nodeID string, missed int, reason string) {
	if nodeID == s.config.NodeID {
		return
	}
	removed, err := s.topology.RemoveNode(nodeID)
	if err != nil {
		return
	}
	s.conns.Close(peerConnection(nodeID))
	s.conns.Close(leaderConnection(nodeID))

	s.mu.Lock()
	source, subscribed := s.sources[nodeID]
	delete(s.sources, nodeID)
	delete(s.votes, nodeID)
	s.mu.Unlock()
	if subscribed {
		if err = s.adapter.UnsubscribeFromSource(ctx, source); err != nil {
			s.logger.Debug("Unsubscribe failed", log.String("source_id", source), log.Error(err))
		}
	}

	s.logger.Info("Peer left",
		log.String("peer", nodeID),
		log.String("reason", reason),
		log.Int("missed_cycles", missed))
	s.events.Publish(events.NetworkLost{Header: s.header(), NodeID: nodeID, MissedCycles: missed})
	s.publishTopology(fmt.Sprintf("%s %s", reason, nodeID))

	if removed.Role() == cluster.RoleCoordinator {
		s.logger.Info("Coordinator lost", log.String("peer", nodeID))
		s.maybeElect(ctx)
	}
}

func (s *Session) header() events.Header {
	h := events.NewHeader(s.config.NodeID)
	h.At = s.clock.Now()
	return h
}

func (s *Session) publishTopology(reason string) {
	s.events.Publish(events.TopologyChanged{
		Header: s.header(),
		Nodes:  s.topology.Snapshot(),
		Reason: reason,
	})
}

// announceTopology tells every peer who is in the session and who
// coordinates it.
func (s *Session) announceTopology(ctx context.Context) {
	nodes := s.topology.Snapshot()
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	coordinator := ""
	if c, ok := s.topology.Coordinator(); ok {
		coordinator = c.ID()
	}
	if err := s.channel.SendMessage(ctx, protocol.NewTopologyUpdate(ids, coordinator)); err != nil {
		s.logger.Warn("Topology announcement failed", log.Error(err))
	}
}

// probeConnection backs the connection health sweep: a peer connection is
// healthy while its node is a member, a leader connection while its node
// still coordinates.
func (s *Session) probeConnection(_ context.Context, c resources.Connection) error {
	switch c.Kind {
	case resources.ConnectionPeer:
		id := strings.TrimPrefix(c.ID, "peer/")
		if !s.topology.Contains(id) {
			return fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
		}
	case resources.ConnectionLeader:
		id := strings.TrimPrefix(c.ID, "leader/")
		n, ok := s.topology.Get(id)
		if !ok || n.Role() != cluster.RoleCoordinator {
			return fmt.Errorf("%s no longer coordinates", id)
		}
	}
	return nil
}
