// Package memory is an in-process transport: adapters attached to the same
// Network discover and message each other without touching the OS network.
// It backs tests and single-process demos, and supports fault injection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/syncmesh/internal/core/transport"
)

const DefaultInboundBuffer = 1024

// Network is the shared medium adapters announce on.
type Network struct {
	mu      sync.RWMutex
	outlets map[string]*outlet
	subs    map[string]map[*Adapter]struct{}

	resolveErr   error
	resolveDelay time.Duration
	hidden       map[string]bool
}

type outlet struct {
	desc  transport.SourceDescriptor
	owner *Adapter
}

func NewNetwork() *Network {
	return &Network{
		outlets: make(map[string]*outlet),
		subs:    make(map[string]map[*Adapter]struct{}),
		hidden:  make(map[string]bool),
	}
}

// FailResolves makes every resolve return err until called with nil.
func (n *Network) FailResolves(err error) {
	n.mu.Lock()
	n.resolveErr = err
	n.mu.Unlock()
}

// DelayResolves adds latency to every resolve.
func (n *Network) DelayResolves(d time.Duration) {
	n.mu.Lock()
	n.resolveDelay = d
	n.mu.Unlock()
}

// Hide excludes every source of nodeID from resolves while keeping delivery intact,
// which simulates lost discovery broadcasts.
func (n *Network) Hide(nodeID string, hidden bool) {
	n.mu.Lock()
	if hidden {
		n.hidden[nodeID] = true
	} else {
		delete(n.hidden, nodeID)
	}
	n.mu.Unlock()
}

// Sources lists every announced source, hidden or not.
func (n *Network) Sources() []transport.SourceDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]transport.SourceDescriptor, 0, len(n.outlets))
	for _, o := range n.outlets {
		out = append(out, o.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (n *Network) announce(o *outlet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.outlets[o.desc.SourceID]; exists {
		return fmt.Errorf("memory: source %s already announced", o.desc.SourceID)
	}
	n.outlets[o.desc.SourceID] = o
	return nil
}

func (n *Network) withdraw(sourceID string) {
	n.mu.Lock()
	delete(n.outlets, sourceID)
	delete(n.subs, sourceID)
	n.mu.Unlock()
}

func (n *Network) subscribe(sourceID string, a *Adapter) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.outlets[sourceID]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownSource, sourceID)
	}
	if n.subs[sourceID] == nil {
		n.subs[sourceID] = make(map[*Adapter]struct{})
	}
	n.subs[sourceID][a] = struct{}{}
	return nil
}

func (n *Network) unsubscribe(sourceID string, a *Adapter) {
	n.mu.Lock()
	if m := n.subs[sourceID]; m != nil {
		delete(m, a)
	}
	n.mu.Unlock()
}

func (n *Network) detach(a *Adapter) {
	n.mu.Lock()
	for id, o := range n.outlets {
		if o.owner == a {
			delete(n.outlets, id)
			delete(n.subs, id)
		}
	}
	for _, m := range n.subs {
		delete(m, a)
	}
	n.mu.Unlock()
}

func (n *Network) deliver(sourceID string, kind transport.PayloadKind, data []byte) {
	n.mu.RLock()
	targets := make([]*Adapter, 0, len(n.subs[sourceID]))
	for a := range n.subs[sourceID] {
		targets = append(targets, a)
	}
	n.mu.RUnlock()

	for _, a := range targets {
		buf := make([]byte, len(data))
		copy(buf, data)
		a.receive(transport.Payload{
			SourceID:   sourceID,
			Kind:       kind,
			Data:       buf,
			ReceivedAt: time.Now(),
		})
	}
}

func (n *Network) resolve(ctx context.Context, pred transport.Predicate, wait time.Duration, max int) ([]transport.SourceDescriptor, error) {
	n.mu.RLock()
	err, delay := n.resolveErr, n.resolveDelay
	n.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		if wait > 0 && delay > wait {
			delay = wait
			err = transport.ErrResolveTimeout
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
	}

	n.mu.RLock()
	out := make([]transport.SourceDescriptor, 0, len(n.outlets))
	for _, o := range n.outlets {
		if n.hidden[o.desc.NodeID] {
			continue
		}
		if pred == nil || pred(o.desc) {
			out = append(out, o.desc)
		}
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

var _ transport.Adapter = (*Adapter)(nil)

// Adapter is one node's attachment to a Network.
type Adapter struct {
	net     *Network
	inbound chan transport.Payload

	mu          sync.RWMutex
	initialized bool
	disposed    bool
	coordSource string
	subscribed  map[string]struct{}

	dropped atomic.Uint64
}

func NewAdapter(net *Network, inboundBuffer int) *Adapter {
	if inboundBuffer <= 0 {
		inboundBuffer = DefaultInboundBuffer
	}
	return &Adapter{
		net:        net,
		inbound:    make(chan transport.Payload, inboundBuffer),
		subscribed: make(map[string]struct{}),
	}
}

// Dropped counts payloads lost because the inbound buffer was full.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Adapter) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return transport.ErrDisposed
	}
	a.initialized = true
	return nil
}

func (a *Adapter) ready() error {
	if a.disposed {
		return transport.ErrDisposed
	}
	if !a.initialized {
		return transport.ErrNotInitialized
	}
	return nil
}

func (a *Adapter) CreateStream(_ context.Context, config transport.StreamConfig, session *transport.SessionInfo) (transport.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}

	desc := transport.SourceDescriptor{
		SourceID:     config.SourceID,
		NodeID:       config.NodeID,
		Name:         config.Name,
		Type:         config.Type,
		Capabilities: append([]string(nil), config.Capabilities...),
		Metadata:     copyMap(config.Metadata),
		CreatedAt:    time.Now(),
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

	if err := a.net.announce(&outlet{desc: desc, owner: a}); err != nil {
		return nil, err
	}
	if desc.Type == transport.StreamCoordination {
		a.coordSource = desc.SourceID
	}
	return &stream{adapter: a, desc: desc}, nil
}

func (a *Adapter) SendMessage(_ context.Context, payload []byte) error {
	a.mu.RLock()
	err := a.ready()
	source := a.coordSource
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("memory: no coordination stream created")
	}
	a.net.deliver(source, transport.PayloadControl, payload)
	return nil
}

func (a *Adapter) SubscribeToSource(_ context.Context, sourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.net.subscribe(sourceID, a); err != nil {
		return err
	}
	a.subscribed[sourceID] = struct{}{}
	return nil
}

func (a *Adapter) UnsubscribeFromSource(_ context.Context, sourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return err
	}
	a.net.unsubscribe(sourceID, a)
	delete(a.subscribed, sourceID)
	return nil
}

func (a *Adapter) ResolveAvailable(ctx context.Context, predicate transport.Predicate, waitTime time.Duration, maxResults int) ([]transport.SourceDescriptor, error) {
	a.mu.RLock()
	err := a.ready()
	a.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return a.net.resolve(ctx, predicate, waitTime, maxResults)
}

func (a *Adapter) Inbound() <-chan transport.Payload {
	return a.inbound
}

func (a *Adapter) Dispose(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil
	}
	a.disposed = true
	a.net.detach(a)
	close(a.inbound)
	return nil
}

func (a *Adapter) receive(p transport.Payload) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.disposed {
		return
	}
	select {
	case a.inbound <- p:
	default:
		a.dropped.Add(1)
	}
}

type stream struct {
	adapter *Adapter
	desc    transport.SourceDescriptor
	closed  atomic.Bool
}

func (s *stream) Descriptor() transport.SourceDescriptor { return s.desc }

func (s *stream) Push(_ context.Context, data []byte) error {
	if s.closed.Load() {
		return transport.ErrStreamClosed
	}
	s.adapter.net.deliver(s.desc.SourceID, transport.PayloadData, data)
	return nil
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.adapter.net.withdraw(s.desc.SourceID)
	s.adapter.mu.Lock()
	if s.adapter.coordSource == s.desc.SourceID {
		s.adapter.coordSource = ""
	}
	s.adapter.mu.Unlock()
	return nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
