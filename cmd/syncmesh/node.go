package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/session"
	"github.com/zeusync/syncmesh/internal/injector"
)

type nodeOptions struct {
	configPath     string
	sessionID      string
	nodeID         string
	nodeName       string
	capabilities   []string
	hub            string
	metricsAddr    string
	statusInterval time.Duration
	quiet          bool
}

func newNodeCommand(global *globalOptions) *cobra.Command {
	opts := &nodeOptions{}
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Join a session as a node",
		Long: `Join a session through a hub. Settings come from --config (YAML or TOML)
and are overridden by any flag given explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.sessionConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := global.logger()
			defer func() { _ = logger.Sync() }()
			return runNode(ctx, cfg, opts, logger, cmd.OutOrStdout())
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func (o *nodeOptions) bind(f *pflag.FlagSet) {
	f.StringVarP(&o.configPath, "config", "c", "", "session config file (.yaml, .yml or .toml)")
	f.StringVar(&o.sessionID, "session", "", "session id")
	f.StringVar(&o.nodeID, "id", "", "node id, defaults to the host name")
	f.StringVar(&o.nodeName, "name", "", "display name")
	f.StringSliceVar(&o.capabilities, "capabilities", nil, "declared capabilities, e.g. participant,coordinator")
	f.StringVar(&o.hub, "hub", "ws://localhost:7400/hub", "hub address (ws://, wss:// or quic://)")
	f.StringVar(&o.metricsAddr, "metrics-addr", ":9400", "address serving /metrics, empty to disable")
	f.DurationVar(&o.statusInterval, "status-interval", 30*time.Second, "how often a status line is printed, 0 to disable")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "do not print session events")
}

// sessionConfig loads the config file, if any, and applies the flags the user
// actually set on top of it.
func (o *nodeOptions) sessionConfig(flags *pflag.FlagSet) (session.Config, error) {
	var cfg session.Config
	if o.configPath != "" {
		loaded, err := session.LoadConfig(o.configPath)
		if err != nil {
			return session.Config{}, err
		}
		cfg = loaded
	} else {
		id := o.nodeID
		if id == "" {
			host, err := os.Hostname()
			if err != nil {
				return session.Config{}, fmt.Errorf("no --id and no host name: %w", err)
			}
			id = host
		}
		cfg = session.DefaultConfig(o.sessionID, id)
	}

	if flags.Changed("session") {
		cfg.SessionID = o.sessionID
	}
	if flags.Changed("id") {
		cfg.NodeID = o.nodeID
		if !flags.Changed("name") {
			cfg.NodeName = o.nodeID
		}
	}
	if flags.Changed("name") {
		cfg.NodeName = o.nodeName
	}
	if flags.Changed("capabilities") {
		caps, err := cluster.ParseCapabilitySet(o.capabilities)
		if err != nil {
			return session.Config{}, err
		}
		cfg.Capabilities = caps
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

func runNode(ctx context.Context, cfg session.Config, opts *nodeOptions, logger *log.Logger, out io.Writer) error {
	node, cleanup, err := injector.InitializeNode(cfg, injector.HubAddress(opts.hub), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	s := node.Session
	if !opts.quiet {
		printer := &eventPrinter{out: out}
		sub, err := s.SubscribeAll(printer.handle)
		if err != nil {
			return err
		}
		defer sub.Cancel()
	}

	started := time.Now()
	if err = s.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", node.Metrics.Handler())
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			logger.Info("Serving metrics", log.String("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if opts.statusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(out, statusLine(s.Stats(), started))
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	fmt.Fprintln(out, statusLine(s.Stats(), started))
	return err
}
