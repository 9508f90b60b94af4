package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/protocol"
	"github.com/zeusync/syncmesh/internal/core/resources"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

// consume applies inbound coordination messages in arrival order.
func (s *Session) consume(ctx context.Context) error {
	inbound := s.channel.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			s.handle(ctx, in)
		}
	}
}

func (s *Session) handle(ctx context.Context, in protocol.Inbound) {
	switch in.Message.Type {
	case protocol.MessageHeartbeat:
		// already applied through the heartbeat hook
	case protocol.MessageRoleChange:
		s.receiveRoleChange(ctx, in)
	case protocol.MessageTopologyUpdate:
		s.receiveTopologyUpdate(ctx, in)
	case protocol.MessageNodeJoined:
		s.logger.Debug("Peer announced itself", log.String("peer", in.From))
	case protocol.MessageNodeLeft:
		id := in.Message.GetString(protocol.KeyNodeID)
		if id != in.From {
			s.logger.Warn("Departure for another node ignored", log.String("from", in.From), log.String("node", id))
			return
		}
		s.discovery.Forget(id)
		s.removePeer(ctx, id, 0, "departed")
	case protocol.MessageStreamRequest:
		s.answerStreamRequest(ctx, in)
	case protocol.MessageStreamResponse:
		s.deliverReply(in)
	case protocol.MessageError:
		s.logger.Warn("Peer reported an error",
			log.String("peer", in.From),
			log.String("message", in.Message.GetString(protocol.KeyMessage)))
		s.deliverReply(in)
	case protocol.MessageCustom:
		if in.Message.GetString(protocol.KeyName) == messageVote {
			s.receiveVote(ctx, in.From, in.Message.GetString(protocol.KeyNodeID))
			return
		}
		s.mu.Lock()
		handlers := append([]MessageHandler(nil), s.handlers...)
		s.mu.Unlock()
		for _, fn := range handlers {
			fn(ctx, in)
		}
	}
}

// OnMessage registers fn for application messages.
func (s *Session) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// OnData routes payloads of subscribed data streams to fn.
func (s *Session) OnData(fn protocol.DataFunc) {
	s.channel.OnData(fn)
}

// SendMessage broadcasts msg to the session, or addresses it to targets.
func (s *Session) SendMessage(ctx context.Context, msg protocol.Message, targets ...string) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	return s.channel.SendMessage(ctx, msg, targets...)
}

func (s *Session) deliverReply(in protocol.Inbound) {
	if !in.Message.IsReply() {
		return
	}
	s.mu.Lock()
	ch := s.pending[*in.Message.ReplyToMessageID]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- in:
	default:
	}
}

func (s *Session) answerStreamRequest(ctx context.Context, in protocol.Inbound) {
	name := in.Message.GetString(protocol.KeyName)
	if name == "" {
		perr := protocol.NewProtocolError(protocol.ErrorCodeInvalidMessage, "stream request without name", protocol.ErrInvalidMessage)
		if err := s.channel.SendMessage(ctx, protocol.NewErrorMessage(perr, &in.Message), in.From); err != nil {
			s.logger.Debug("Error reply failed", log.Error(err))
		}
		return
	}

	s.mu.Lock()
	stream, ok := s.streams[name]
	s.mu.Unlock()
	accepted := ok && s.topology.Contains(in.From)
	source := ""
	if accepted {
		source = stream.Descriptor().SourceID
	}
	s.logger.Debug("Stream requested",
		log.String("peer", in.From),
		log.String("stream", name),
		log.Bool("accepted", accepted))
	if err := s.channel.SendMessage(ctx, protocol.NewStreamResponse(in.Message, accepted, source), in.From); err != nil {
		s.logger.Warn("Stream response failed", log.Error(err))
	}
}

// CreateDataStream announces a data outlet called name. The stream is a
// managed resource and is closed with the session.
func (s *Session) CreateDataStream(ctx context.Context, name string) (transport.Stream, error) {
	if !s.config.Capabilities.MayProduceData() {
		return nil, fmt.Errorf("%w: produce data", ErrNotPermitted)
	}
	if !s.isRunning() {
		return nil, ErrNotStarted
	}
	s.mu.Lock()
	_, exists := s.streams[name]
	s.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, name)
	}

	stream, err := s.adapter.CreateStream(ctx, transport.StreamConfig{
		SourceID:     s.config.NodeID + "/data/" + name,
		NodeID:       s.config.NodeID,
		Name:         name,
		Type:         transport.StreamData,
		Capabilities: s.config.Capabilities.Names(),
		Metadata:     s.config.Metadata,
	}, &transport.SessionInfo{SessionID: s.config.SessionID})
	if err != nil {
		return nil, err
	}
	h, err := s.resources.Add(resourceDataStreamPrefix+name, &resources.Hooks{
		KindName: "stream",
		OnDispose: func(context.Context) error {
			s.mu.Lock()
			delete(s.streams, name)
			s.mu.Unlock()
			return stream.Close()
		},
	}, resources.Independent(), resources.DependsOn(ResourceTransport), resources.WithMetadata(map[string]string{
		"sourceId": stream.Descriptor().SourceID,
	}))
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	s.mu.Lock()
	s.streams[name] = stream
	s.mu.Unlock()
	if err = h.Activate(ctx); err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *Session) CloseDataStream(ctx context.Context, name string) error {
	return s.resources.Remove(ctx, resourceDataStreamPrefix+name)
}

// RequestStream asks nodeID for its data stream called name and subscribes to
// it when accepted. ctx bounds the wait for the answer.
func (s *Session) RequestStream(ctx context.Context, nodeID, name string) (string, error) {
	if !s.config.Capabilities.MayConsumeData() {
		return "", fmt.Errorf("%w: consume data", ErrNotPermitted)
	}
	if !s.topology.Contains(nodeID) {
		return "", fmt.Errorf("%w: %s", cluster.ErrUnknownNode, nodeID)
	}

	req := protocol.NewStreamRequest(name)
	reply := make(chan protocol.Inbound, 1)
	s.mu.Lock()
	s.pending[req.MessageID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.MessageID)
		s.mu.Unlock()
	}()

	if err := s.SendMessage(ctx, req, nodeID); err != nil {
		return "", err
	}
	var in protocol.Inbound
	select {
	case in = <-reply:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if in.Message.Type == protocol.MessageError {
		return "", fmt.Errorf("%w: %s", ErrStreamRejected, in.Message.GetString(protocol.KeyMessage))
	}
	if !in.Message.GetBool(protocol.KeyAccepted) {
		return "", fmt.Errorf("%w: %s has no stream %q", ErrStreamRejected, nodeID, name)
	}
	source := in.Message.GetString(protocol.KeySourceID)
	if err := s.subscribeData(ctx, source); err != nil {
		return "", err
	}
	return source, nil
}

func (s *Session) subscribeData(ctx context.Context, source string) error {
	conn := "stream/" + source
	if _, err := s.conns.Open(conn, resources.ConnectionClient, source); err != nil {
		if errors.Is(err, resources.ErrConnectionExists) {
			return nil
		}
		return err
	}
	if err := s.adapter.SubscribeToSource(ctx, source); err != nil {
		s.conns.Close(conn)
		return err
	}
	h, err := s.resources.Add(resourceSubscriptionPrefix+source, &resources.Hooks{
		KindName: "subscription",
		OnDispose: func(ctx context.Context) error {
			s.conns.Close(conn)
			return s.adapter.UnsubscribeFromSource(ctx, source)
		},
	}, resources.Independent(), resources.DependsOn(ResourceTransport))
	if err != nil {
		s.conns.Close(conn)
		return err
	}
	return h.Activate(ctx)
}

// Unsubscribe drops a data subscription made by RequestStream.
func (s *Session) Unsubscribe(ctx context.Context, source string) error {
	return s.resources.Remove(ctx, resourceSubscriptionPrefix+source)
}
