package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
	"github.com/zeusync/syncmesh/internal/core/transport/quic"
	"github.com/zeusync/syncmesh/internal/core/transport/websocket"
)

const shutdownTimeout = 5 * time.Second

type hubOptions struct {
	wsAddr        string
	wsPath        string
	quicAddr      string
	statsInterval time.Duration
}

func newHubCommand(global *globalOptions) *cobra.Command {
	opts := &hubOptions{}
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the hub nodes announce themselves on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := global.logger()
			defer func() { _ = logger.Sync() }()
			return runHub(ctx, opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.wsAddr, "ws-addr", ":7400", "websocket listen address, empty to disable")
	cmd.Flags().StringVar(&opts.wsPath, "ws-path", "/hub", "websocket endpoint path")
	cmd.Flags().StringVar(&opts.quicAddr, "quic-addr", ":7401", "QUIC listen address, empty to disable")
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", time.Minute, "how often hub statistics are logged, 0 to disable")
	return cmd
}

func runHub(ctx context.Context, opts *hubOptions, logger log.Log) error {
	if opts.wsAddr == "" && opts.quicAddr == "" {
		return errors.New("hub: no listener enabled")
	}
	server := hub.NewServer(logger)
	defer server.Close()

	g, ctx := errgroup.WithContext(ctx)

	if opts.wsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(opts.wsPath, websocket.Handler(server, websocket.DefaultConfig(), logger))
		httpServer := &http.Server{
			Addr:              opts.wsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			logger.Info("Websocket hub listening", log.String("addr", opts.wsAddr), log.String("path", opts.wsPath))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if opts.quicAddr != "" {
		tlsConfig, err := quic.GenerateSelfSignedTLS()
		if err != nil {
			return err
		}
		ln, err := quic.Listen(opts.quicAddr, tlsConfig, quic.DefaultConfig(), server, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return ln.Serve(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}

	if opts.statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					st := server.Stats()
					logger.Info("Hub stats",
						log.Int("peers", st.Peers),
						log.Int("sources", st.Sources),
						log.Int("subscriptions", st.Subscriptions))
				}
			}
		})
	}

	err := g.Wait()
	logger.Info("Hub stopped")
	return err
}
