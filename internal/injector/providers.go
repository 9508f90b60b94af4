// Package injector wires a session node from its configuration.
package injector

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/wire"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/observability/metrics"
	"github.com/zeusync/syncmesh/internal/core/session"
	"github.com/zeusync/syncmesh/internal/core/transport"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
	"github.com/zeusync/syncmesh/internal/core/transport/quic"
	"github.com/zeusync/syncmesh/internal/core/transport/websocket"
)

// HubAddress points a node at its hub, e.g. ws://localhost:7400/hub or
// quic://localhost:7401.
type HubAddress string

// Node is a session together with what the process around it needs.
type Node struct {
	Session *session.Session
	Metrics *metrics.Collector
	Logger  log.Log
}

var ProviderSet = wire.NewSet(
	ProvideCollector,
	ProvideDialer,
	ProvideAdapter,
	ProvideSession,
	wire.Bind(new(log.Log), new(*log.Logger)),
	wire.Struct(new(Node), "*"),
)

func ProvideCollector(config session.Config) *metrics.Collector {
	return metrics.New(config.SessionID)
}

// ProvideDialer picks the hub transport from the address scheme.
func ProvideDialer(addr HubAddress) (hub.Dialer, error) {
	u, err := url.Parse(string(addr))
	if err != nil {
		return nil, fmt.Errorf("hub address %q: %w", addr, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return websocket.Dialer(u.String(), websocket.DefaultConfig()), nil
	case "quic":
		if u.Host == "" {
			return nil, fmt.Errorf("hub address %q: missing host", addr)
		}
		return quic.Dialer(u.Host, quic.InsecureClientTLS(), quic.DefaultConfig()), nil
	default:
		return nil, fmt.Errorf("hub address %q: unsupported scheme %q", addr, u.Scheme)
	}
}

func ProvideAdapter(dial hub.Dialer, logger log.Log) transport.Adapter {
	return hub.NewClient(dial, logger)
}

// ProvideSession builds the session; the cleanup disposes it.
func ProvideSession(config session.Config, adapter transport.Adapter, logger log.Log, collector *metrics.Collector) (*session.Session, func(), error) {
	s, err := session.New(config, adapter, logger, session.WithMetrics(collector))
	if err != nil {
		_ = adapter.Dispose(context.Background())
		return nil, nil, err
	}
	cleanup := func() {
		if err := s.Dispose(context.Background()); err != nil {
			logger.Warn("Session dispose failed", log.Error(err))
		}
	}
	return s, cleanup, nil
}
