package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

const (
	DefaultInboundBuffer  = 1024
	DefaultRequestTimeout = 5 * time.Second
)

// Dialer opens a fresh connection to the hub.
type Dialer func(ctx context.Context) (FrameConn, error)

var _ transport.Adapter = (*Client)(nil)

// Client is a transport.Adapter that talks to a hub Server. A lost
// connection is re-dialled on the next call; announced sources and
// subscriptions are replayed onto the new connection.
type Client struct {
	dial           Dialer
	logger         log.Log
	requestTimeout time.Duration
	inbound        chan transport.Payload

	mu          sync.Mutex
	conn        FrameConn
	initialized bool
	disposed    bool
	coordSource string
	announced   map[string]transport.SourceDescriptor
	subscribed  map[string]struct{}

	pendingMu sync.Mutex
	pending   map[uint64]pendingRequest
	seq       atomic.Uint64

	readers sync.WaitGroup
	dropped atomic.Uint64
}

type ClientOption func(*Client)

func WithInboundBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.inbound = make(chan transport.Payload, n)
		}
	}
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func NewClient(dial Dialer, logger log.Log, opts ...ClientOption) *Client {
	c := &Client{
		dial:           dial,
		logger:         logger.With(log.String("component", "hub_client")),
		requestTimeout: DefaultRequestTimeout,
		inbound:        make(chan transport.Payload, DefaultInboundBuffer),
		announced:      make(map[string]transport.SourceDescriptor),
		subscribed:     make(map[string]struct{}),
		pending:        make(map[uint64]pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dropped counts payloads lost because the inbound buffer was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return transport.ErrDisposed
	}
	if _, err := c.connLocked(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) ready() error {
	if c.disposed {
		return transport.ErrDisposed
	}
	if !c.initialized {
		return transport.ErrNotInitialized
	}
	return nil
}

// connLocked returns the live connection, dialling and replaying state when
// the previous one was lost. c.mu must be held.
func (c *Client) connLocked(ctx context.Context) (FrameConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	c.conn = conn
	c.readers.Add(1)
	go c.readLoop(conn)

	for _, desc := range c.announced {
		d := desc
		if _, err = c.roundTrip(ctx, conn, Frame{Op: OpAnnounce, Source: &d}); err != nil {
			c.dropConnLocked(conn)
			return nil, fmt.Errorf("replay announce %s: %w", desc.SourceID, err)
		}
	}
	for id := range c.subscribed {
		if _, err = c.roundTrip(ctx, conn, Frame{Op: OpSubscribe, SourceID: id}); err != nil {
			// The source may have vanished while we were away.
			c.logger.Warn("Dropping subscription on reconnect", log.String("source_id", id), log.Error(err))
			delete(c.subscribed, id)
		}
	}
	if len(c.announced) > 0 || len(c.subscribed) > 0 {
		c.logger.Info("Reconnected to hub",
			log.Int("announced", len(c.announced)),
			log.Int("subscribed", len(c.subscribed)))
	}
	return conn, nil
}

func (c *Client) dropConnLocked(conn FrameConn) {
	if c.conn == conn {
		c.conn = nil
	}
	_ = conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, conn FrameConn, f Frame) (Frame, error) {
	f.Seq = c.seq.Add(1)
	reply := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.Seq] = pendingRequest{conn: conn, reply: reply}
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.Seq)
		c.pendingMu.Unlock()
	}()

	if err := writeFrame(conn, f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			return Frame{}, ErrConnectionLost
		}
		if r.Op == OpError {
			return r, fmt.Errorf("%w: %s", ErrRemote, r.Error)
		}
		return r, nil
	case <-timer.C:
		return Frame{}, context.DeadlineExceeded
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) liveConn(ctx context.Context) (FrameConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.connLocked(ctx)
}

// request performs a round trip, redialling once if the connection turns out
// to be dead.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.liveConn(ctx)
		if err != nil {
			return Frame{}, err
		}
		r, err := c.roundTrip(ctx, conn, f)
		if !errors.Is(err, ErrConnectionLost) {
			return r, err
		}
		c.mu.Lock()
		c.dropConnLocked(conn)
		c.mu.Unlock()
		lastErr = err
	}
	return Frame{}, lastErr
}

func (c *Client) send(ctx context.Context, f Frame) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.liveConn(ctx)
		if err != nil {
			return err
		}
		if err = writeFrame(conn, f); err == nil {
			return nil
		}
		c.mu.Lock()
		c.dropConnLocked(conn)
		c.mu.Unlock()
		lastErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return lastErr
}

func (c *Client) CreateStream(ctx context.Context, config transport.StreamConfig, session *transport.SessionInfo) (transport.Stream, error) {
	desc := transport.SourceDescriptor{
		SourceID:     config.SourceID,
		NodeID:       config.NodeID,
		Name:         config.Name,
		Type:         config.Type,
		Capabilities: append([]string(nil), config.Capabilities...),
		Metadata:     config.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if desc.SourceID == "" {
		desc.SourceID = uuid.NewString()
	}
	if desc.Type == "" {
		desc.Type = transport.StreamData
	}
	if session != nil {
		desc.SessionID = session.SessionID
		desc.SessionKey = transport.SessionKey(session.SessionID)
	}

	if _, err := c.request(ctx, Frame{Op: OpAnnounce, Source: &desc}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.announced[desc.SourceID] = desc
	if desc.Type == transport.StreamCoordination {
		c.coordSource = desc.SourceID
	}
	c.mu.Unlock()
	return &stream{client: c, desc: desc}, nil
}

func (c *Client) SendMessage(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	err := c.ready()
	source := c.coordSource
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if source == "" {
		return errors.New("hub: no coordination stream created")
	}
	return c.send(ctx, Frame{Op: OpPublish, SourceID: source, Kind: transport.PayloadControl, Data: payload})
}

func (c *Client) SubscribeToSource(ctx context.Context, sourceID string) error {
	if _, err := c.request(ctx, Frame{Op: OpSubscribe, SourceID: sourceID}); err != nil {
		if errors.Is(err, ErrRemote) {
			return fmt.Errorf("%w: %s", transport.ErrUnknownSource, sourceID)
		}
		return err
	}
	c.mu.Lock()
	c.subscribed[sourceID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) UnsubscribeFromSource(ctx context.Context, sourceID string) error {
	c.mu.Lock()
	delete(c.subscribed, sourceID)
	c.mu.Unlock()
	_, err := c.request(ctx, Frame{Op: OpUnsubscribe, SourceID: sourceID})
	return err
}

func (c *Client) ResolveAvailable(ctx context.Context, predicate transport.Predicate, waitTime time.Duration, maxResults int) ([]transport.SourceDescriptor, error) {
	if waitTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitTime)
		defer cancel()
	}
	r, err := c.request(ctx, Frame{Op: OpResolve})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrResolveTimeout
		}
		return nil, err
	}
	out := make([]transport.SourceDescriptor, 0, len(r.Sources))
	for _, d := range r.Sources {
		if predicate == nil || predicate(d) {
			out = append(out, d)
		}
		if maxResults > 0 && len(out) == maxResults {
			break
		}
	}
	return out, nil
}

func (c *Client) Inbound() <-chan transport.Payload {
	return c.inbound
}

func (c *Client) Dispose(_ context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.readers.Wait()
	close(c.inbound)
	return err
}

func (c *Client) readLoop(conn FrameConn) {
	defer c.readers.Done()
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			c.mu.Lock()
			disposed := c.disposed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !disposed {
				c.logger.Warn("Hub connection lost", log.Error(err))
			}
			c.failPending(conn)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}
		switch f.Op {
		case OpDeliver:
			select {
			case c.inbound <- transport.Payload{SourceID: f.SourceID, Kind: f.Kind, Data: f.Data, ReceivedAt: time.Now()}:
			default:
				c.dropped.Add(1)
			}
		case OpAck, OpResolved, OpError:
			c.pendingMu.Lock()
			req, ok := c.pending[f.Seq]
			c.pendingMu.Unlock()
			if ok && req.conn == conn {
				req.reply <- f
			}
		default:
			c.logger.Debug("Ignoring frame", log.String("op", string(f.Op)))
		}
	}
}

type pendingRequest struct {
	conn  FrameConn
	reply chan Frame
}

func (c *Client) failPending(conn FrameConn) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, req := range c.pending {
		if req.conn == conn {
			close(req.reply)
			delete(c.pending, seq)
		}
	}
}

type stream struct {
	client *Client
	desc   transport.SourceDescriptor
	closed atomic.Bool
}

func (s *stream) Descriptor() transport.SourceDescriptor { return s.desc }

func (s *stream) Push(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return transport.ErrStreamClosed
	}
	return s.client.send(ctx, Frame{Op: OpPublish, SourceID: s.desc.SourceID, Kind: transport.PayloadData, Data: data})
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	c := s.client
	c.mu.Lock()
	delete(c.announced, s.desc.SourceID)
	if c.coordSource == s.desc.SourceID {
		c.coordSource = ""
	}
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	_, err := c.request(ctx, Frame{Op: OpWithdraw, SourceID: s.desc.SourceID})
	return err
}
