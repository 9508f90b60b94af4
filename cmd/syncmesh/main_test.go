package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/session"
)

func parseNodeFlags(t *testing.T, args ...string) (*nodeOptions, *pflag.FlagSet) {
	t.Helper()
	opts := &nodeOptions{}
	flags := pflag.NewFlagSet("node", pflag.ContinueOnError)
	opts.bind(flags)
	require.NoError(t, flags.Parse(args))
	return opts, flags
}

func TestNodeConfigFromFlags(t *testing.T) {
	opts, flags := parseNodeFlags(t, "--session", "mesh", "--id", "n1", "--capabilities", "observer,relay")
	cfg, err := opts.sessionConfig(flags)
	require.NoError(t, err)
	assert.Equal(t, "mesh", cfg.SessionID)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, "n1", cfg.NodeName)
	assert.Equal(t, cluster.NewCapabilitySet(cluster.CapabilityObserver, cluster.CapabilityRelay), cfg.Capabilities)
}

func TestNodeFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessionId: mesh\nnodeId: from-file\nnodeName: File\nmaxNodes: 4\n"), 0o600))

	opts, flags := parseNodeFlags(t, "-c", path, "--name", "Flag")
	cfg, err := opts.sessionConfig(flags)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.NodeID)
	assert.Equal(t, "Flag", cfg.NodeName)
	assert.Equal(t, 4, cfg.Topology.MaxNodes)
}

func TestNodeConfigErrors(t *testing.T) {
	opts, flags := parseNodeFlags(t, "--id", "n1")
	_, err := opts.sessionConfig(flags)
	require.ErrorIs(t, err, session.ErrInvalidConfig)

	opts, flags = parseNodeFlags(t, "--session", "mesh", "--id", "n1", "--capabilities", "wizard")
	_, err = opts.sessionConfig(flags)
	require.ErrorIs(t, err, cluster.ErrUnknownCapability)
}

func TestStatusLine(t *testing.T) {
	st := session.Stats{Nodes: 3, Coordinator: "a", Role: cluster.RoleCoordinator}
	st.Protocol.Sent = 12345
	st.Resources.Total = 4

	line := statusLine(st, time.Now().Add(-2*time.Hour))
	assert.Contains(t, line, "2 hours ago")
	assert.Contains(t, line, "3 nodes")
	assert.Contains(t, line, "coordinator a")
	assert.Contains(t, line, "sent 12,345")
	assert.Contains(t, line, "resources 4 (0 degraded)")

	assert.Contains(t, statusLine(session.Stats{}, time.Now()), "coordinator none")
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &eventPrinter{out: &buf}
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := events.Header{From: "a", At: at}

	winner, err := cluster.NewNode("b", "b", cluster.NewCapabilitySet(cluster.CapabilityCoordinator), nil)
	require.NoError(t, err)

	require.NoError(t, p.handle(events.NetworkLost{Header: h, NodeID: "b", MissedCycles: 6}))
	require.NoError(t, p.handle(events.NetworkLost{Header: h, NodeID: "c"}))
	require.NoError(t, p.handle(events.ElectionCompleted{
		Header:     h,
		ElectionID: "0123456789abcdef",
		Winner:     winner,
		Votes:      map[string]int{"b": 2, "a": 1},
	}))
	require.NoError(t, p.handle(events.ResourceCreated{Header: h, ResourceID: "transport"}))
	require.NoError(t, p.handle(events.ResourceError{Header: h, ResourceID: "transport", Op: "dispose", Err: errors.New("boom")}))

	assert.Equal(t, "12:00:00  lost b (silent for 6 cycles)\n"+
		"12:00:00  lost c (left)\n"+
		"12:00:00  election 01234567 won by b votes a=1 b=2\n"+
		"12:00:00  resource transport dispose failed: boom\n", buf.String())
}
