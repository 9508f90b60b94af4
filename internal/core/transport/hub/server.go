package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

// Server relays frames between connected peers.
type Server struct {
	logger log.Log

	mu      sync.RWMutex
	peers   map[*peer]struct{}
	sources map[string]*hostedSource
	subs    map[string]map[*peer]struct{}
	closed  bool
}

type peer struct {
	id   string
	conn FrameConn
}

type hostedSource struct {
	desc  transport.SourceDescriptor
	owner *peer
}

// ServerStats is a point-in-time view of the hub.
type ServerStats struct {
	Peers         int
	Sources       int
	Subscriptions int
}

func NewServer(logger log.Log) *Server {
	return &Server{
		logger:  logger.With(log.String("component", "hub")),
		peers:   make(map[*peer]struct{}),
		sources: make(map[string]*hostedSource),
		subs:    make(map[string]map[*peer]struct{}),
	}
}

// Serve handles one connection until it fails or ctx is cancelled. Frames of
// one peer are processed sequentially, which keeps per-source order.
func (s *Server) Serve(ctx context.Context, conn FrameConn) error {
	p := &peer{id: uuid.NewString(), conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return errors.New("hub: server closed")
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With(log.String("peer_id", p.id), log.String("remote_addr", conn.RemoteAddr()))
	logger.Info("Peer connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		s.dropPeer(p)
		_ = conn.Close()
		logger.Info("Peer disconnected")
	}()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}
		if err = s.handle(p, f); err != nil {
			logger.Debug("Frame rejected", log.String("op", string(f.Op)), log.Error(err))
		}
	}
}

func (s *Server) handle(p *peer, f Frame) error {
	switch f.Op {
	case OpAnnounce:
		return s.reply(p, f.Seq, s.announce(p, f.Source))
	case OpWithdraw:
		return s.reply(p, f.Seq, s.withdraw(p, f.SourceID))
	case OpSubscribe:
		return s.reply(p, f.Seq, s.subscribe(p, f.SourceID))
	case OpUnsubscribe:
		s.unsubscribe(p, f.SourceID)
		return s.reply(p, f.Seq, nil)
	case OpResolve:
		return writeFrame(p.conn, Frame{Op: OpResolved, Seq: f.Seq, Sources: s.resolve(p, f.SessionKey)})
	case OpPublish:
		return s.publish(p, f)
	default:
		err := fmt.Errorf("%w: unexpected op %q", ErrBadFrame, f.Op)
		_ = s.reply(p, f.Seq, err)
		return err
	}
}

func (s *Server) reply(p *peer, seq uint64, err error) error {
	if err != nil {
		if werr := writeFrame(p.conn, Frame{Op: OpError, Seq: seq, Error: err.Error()}); werr != nil {
			return werr
		}
		return err
	}
	return writeFrame(p.conn, Frame{Op: OpAck, Seq: seq})
}

func (s *Server) announce(p *peer, desc *transport.SourceDescriptor) error {
	if desc == nil || desc.SourceID == "" {
		return fmt.Errorf("%w: announce without source", ErrBadFrame)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.sources[desc.SourceID]; exists && cur.owner != p {
		return fmt.Errorf("source %s already announced", desc.SourceID)
	}
	s.sources[desc.SourceID] = &hostedSource{desc: *desc, owner: p}
	return nil
}

func (s *Server) withdraw(p *peer, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sources[sourceID]
	if !ok {
		return nil
	}
	if cur.owner != p {
		return fmt.Errorf("source %s is not owned by caller", sourceID)
	}
	delete(s.sources, sourceID)
	delete(s.subs, sourceID)
	return nil
}

func (s *Server) subscribe(p *peer, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[sourceID]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownSource, sourceID)
	}
	if s.subs[sourceID] == nil {
		s.subs[sourceID] = make(map[*peer]struct{})
	}
	s.subs[sourceID][p] = struct{}{}
	return nil
}

func (s *Server) unsubscribe(p *peer, sourceID string) {
	s.mu.Lock()
	if m := s.subs[sourceID]; m != nil {
		delete(m, p)
	}
	s.mu.Unlock()
}

func (s *Server) resolve(p *peer, sessionKey uint64) []transport.SourceDescriptor {
	s.mu.RLock()
	out := make([]transport.SourceDescriptor, 0, len(s.sources))
	for _, src := range s.sources {
		if src.owner == p {
			continue
		}
		if sessionKey != 0 && src.desc.SessionKey != sessionKey {
			continue
		}
		out = append(out, src.desc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (s *Server) publish(p *peer, f Frame) error {
	s.mu.RLock()
	src, ok := s.sources[f.SourceID]
	if !ok || src.owner != p {
		s.mu.RUnlock()
		return fmt.Errorf("publish on foreign or unknown source %s", f.SourceID)
	}
	targets := make([]*peer, 0, len(s.subs[f.SourceID]))
	for sub := range s.subs[f.SourceID] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	out, err := encodeFrame(Frame{Op: OpDeliver, SourceID: f.SourceID, Kind: f.Kind, Data: f.Data})
	if err != nil {
		return err
	}
	var all error
	for _, t := range targets {
		if err = t.conn.WriteFrame(out); err != nil {
			all = errors.Join(all, fmt.Errorf("deliver to %s: %w", t.id, err))
		}
	}
	return all
}

func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
	for id, src := range s.sources {
		if src.owner == p {
			delete(s.sources, id)
			delete(s.subs, id)
		}
	}
	for _, m := range s.subs {
		delete(m, p)
	}
}

func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := ServerStats{Peers: len(s.peers), Sources: len(s.sources)}
	for _, m := range s.subs {
		st.Subscriptions += len(m)
	}
	return st
}

// Close disconnects every peer. Serve calls return once their reads fail.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var all error
	for _, p := range peers {
		if err := p.conn.Close(); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}
