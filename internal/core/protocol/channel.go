package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultInboundBuffer     = 256
	DefaultDedupWindow       = 1024
)

// Config configures a Channel.
type Config struct {
	NodeID            string
	HeartbeatInterval time.Duration
	InboundBuffer     int
	// DedupWindow is how many recent message ids are remembered per channel.
	// Negative disables duplicate suppression.
	DedupWindow int
	// SendRate caps outbound messages per second; zero means unlimited.
	SendRate  float64
	SendBurst int
	// Clock drives the heartbeat cadence; nil means the wall clock.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Inbound is a decoded message together with its sender.
type Inbound struct {
	Message    Message
	From       string
	SourceID   string
	ReceivedAt time.Time
}

// HeartbeatFunc observes heartbeats as they are consumed.
type HeartbeatFunc func(from string, at time.Time)

// DataFunc receives data payloads arriving on the same adapter.
type DataFunc func(transport.Payload)

type Stats struct {
	Sent         uint64
	SendFailures uint64
	Received     uint64
	Heartbeats   uint64
	Malformed    uint64
	Duplicates   uint64
	Filtered     uint64
}

// Channel sends and receives coordination messages over an adapter. Messages
// from one sender reach Inbound in the order they were sent.
type Channel struct {
	adapter transport.Adapter
	config  Config
	logger  log.Log
	inbound chan Inbound
	limiter *rate.Limiter

	mu          sync.RWMutex
	onHeartbeat []HeartbeatFunc
	onData      DataFunc

	running atomic.Bool

	sent         atomic.Uint64
	sendFailures atomic.Uint64
	received     atomic.Uint64
	heartbeats   atomic.Uint64
	malformed    atomic.Uint64
	duplicates   atomic.Uint64
	filtered     atomic.Uint64
}

func NewChannel(adapter transport.Adapter, config Config, logger log.Log) *Channel {
	config = config.withDefaults()
	c := &Channel{
		adapter: adapter,
		config:  config,
		logger:  logger.With(log.String("component", "protocol"), log.String("node_id", config.NodeID)),
		inbound: make(chan Inbound, config.InboundBuffer),
	}
	if config.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.SendRate), config.SendBurst)
	}
	return c
}

// OnHeartbeat registers fn to be called for every heartbeat received.
func (c *Channel) OnHeartbeat(fn HeartbeatFunc) {
	c.mu.Lock()
	c.onHeartbeat = append(c.onHeartbeat, fn)
	c.mu.Unlock()
}

// OnData routes data payloads to fn. Without a handler they are discarded.
func (c *Channel) OnData(fn DataFunc) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// Inbound is closed once Run returns.
func (c *Channel) Inbound() <-chan Inbound {
	return c.inbound
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:         c.sent.Load(),
		SendFailures: c.sendFailures.Load(),
		Received:     c.received.Load(),
		Heartbeats:   c.heartbeats.Load(),
		Malformed:    c.malformed.Load(),
		Duplicates:   c.duplicates.Load(),
		Filtered:     c.filtered.Load(),
	}
}

// Run emits heartbeats and consumes the adapter's inbound payloads until ctx
// is cancelled or the adapter closes its inbound channel.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("protocol: channel already running")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error { return c.consume(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Channel) heartbeatLoop(ctx context.Context) error {
	ticker := c.config.Clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := c.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Heartbeat failed", log.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (c *Channel) SendHeartbeat(ctx context.Context) error {
	return c.SendMessage(ctx, NewHeartbeat(c.config.NodeID, c.config.Clock.Now()))
}

// SendMessage broadcasts msg, or addresses it to targets when any are given.
func (c *Channel) SendMessage(ctx context.Context, msg Message, targets ...string) error {
	data, err := Encode(Envelope{From: c.config.NodeID, To: targets, Message: msg})
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err = c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err = c.adapter.SendMessage(ctx, data); err != nil {
		c.sendFailures.Add(1)
		return NewProtocolError(ErrorCodeTransportFailed, fmt.Sprintf("send %s", msg.Type), errors.Join(ErrTransportFailed, err)).
			WithContext("message_id", msg.MessageID)
	}
	c.sent.Add(1)
	return nil
}

// Reply answers an inbound message, addressed to its sender only.
func (c *Channel) Reply(ctx context.Context, original Inbound, t MessageType, payload map[string]any) error {
	return c.SendMessage(ctx, NewReply(original.Message, t, payload), original.From)
}

func (c *Channel) consume(ctx context.Context) error {
	defer close(c.inbound)
	seen := newDedup(c.config.DedupWindow)
	source := c.adapter.Inbound()

	for {
		var p transport.Payload
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case p, ok = <-source:
			if !ok {
				return ErrChannelClosed
			}
		}

		if p.Kind == transport.PayloadData {
			c.mu.RLock()
			fn := c.onData
			c.mu.RUnlock()
			if fn != nil {
				fn(p)
			}
			continue
		}

		env, err := Decode(p.Data)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Warn("Dropping malformed message", log.String("source_id", p.SourceID), log.Error(err))
			continue
		}
		if env.From == c.config.NodeID {
			continue
		}
		if !env.AddressedTo(c.config.NodeID) {
			c.filtered.Add(1)
			continue
		}
		if seen.seen(env.From, env.Message.MessageID) {
			c.duplicates.Add(1)
			continue
		}
		c.received.Add(1)

		if env.Message.Type == MessageHeartbeat {
			c.heartbeats.Add(1)
			c.notifyHeartbeat(env, p.ReceivedAt)
		}

		in := Inbound{Message: env.Message, From: env.From, SourceID: p.SourceID, ReceivedAt: p.ReceivedAt}
		select {
		case c.inbound <- in:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Channel) notifyHeartbeat(env Envelope, receivedAt time.Time) {
	at := receivedAt
	if ts := env.Message.GetString(KeyTimestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			at = parsed
		}
	}
	c.mu.RLock()
	hooks := append([]HeartbeatFunc(nil), c.onHeartbeat...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(env.From, at)
	}
}

// dedup remembers the last N (sender, message id) fingerprints.
type dedup struct {
	set  map[uint64]struct{}
	ring []uint64
	next int
}

func newDedup(window int) *dedup {
	if window < 0 {
		return nil
	}
	return &dedup{set: make(map[uint64]struct{}, window), ring: make([]uint64, 0, window)}
}

func (d *dedup) seen(from, messageID string) bool {
	if d == nil {
		return false
	}
	h := xxhash.New()
	_, _ = h.WriteString(from)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(messageID)
	key := h.Sum64()

	if _, ok := d.set[key]; ok {
		return true
	}
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, key)
	} else {
		delete(d.set, d.ring[d.next])
		d.ring[d.next] = key
		d.next = (d.next + 1) % len(d.ring)
	}
	d.set[key] = struct{}{}
	return false
}
