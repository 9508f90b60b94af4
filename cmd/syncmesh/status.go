package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/session"
)

func statusLine(st session.Stats, started time.Time) string {
	coordinator := st.Coordinator
	if coordinator == "" {
		coordinator = "none"
	}
	return fmt.Sprintf("up since %s | %d nodes | coordinator %s | role %s | sent %s received %s | discovery cycles %s | resources %d (%d degraded)",
		humanize.Time(started),
		st.Nodes,
		coordinator,
		st.Role,
		humanize.Comma(int64(st.Protocol.Sent)),
		humanize.Comma(int64(st.Protocol.Received)),
		humanize.Comma(int64(st.Discovery.Cycles)),
		st.Resources.Total,
		st.Resources.Degraded)
}

// eventPrinter writes membership and election events for a human watching
// the node. Resource lifecycle noise is left to the logs.
type eventPrinter struct {
	out io.Writer
}

var _ events.Visitor = (*eventPrinter)(nil)

func (p *eventPrinter) handle(e events.Event) error {
	events.Dispatch(e, p)
	return nil
}

func (p *eventPrinter) printf(at time.Time, format string, args ...any) {
	fmt.Fprintf(p.out, "%s  %s\n", at.Format(time.TimeOnly), fmt.Sprintf(format, args...))
}

func (p *eventPrinter) RoleChanged(e events.RoleChanged) {
	p.printf(e.At, "%s", e)
}

func (p *eventPrinter) TopologyChanged(e events.TopologyChanged) {
	p.printf(e.At, "topology [%s] (%s)", strings.Join(e.NodeIDs(), " "), e.Reason)
}

func (p *eventPrinter) NetworkFound(e events.NetworkFound) {
	p.printf(e.At, "found %s (%s)", e.Node.ID(), e.Node.Capabilities())
}

func (p *eventPrinter) NetworkLost(e events.NetworkLost) {
	if e.MissedCycles == 0 {
		p.printf(e.At, "lost %s (left)", e.NodeID)
		return
	}
	p.printf(e.At, "lost %s (silent for %d cycles)", e.NodeID, e.MissedCycles)
}

func (p *eventPrinter) NetworkUpdated(e events.NetworkUpdated) {
	p.printf(e.At, "updated %s", e.Node.ID())
}

func (p *eventPrinter) ElectionStarted(e events.ElectionStarted) {
	p.printf(e.At, "election %s started (%s) among %s", shortID(e.ElectionID), e.Strategy, strings.Join(e.Candidates, " "))
}

func (p *eventPrinter) ElectionCompleted(e events.ElectionCompleted) {
	line := fmt.Sprintf("election %s won by %s", shortID(e.ElectionID), e.Winner.ID())
	if len(e.Votes) > 0 {
		ids := make([]string, 0, len(e.Votes))
		for id := range e.Votes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		tally := make([]string, len(ids))
		for i, id := range ids {
			tally[i] = fmt.Sprintf("%s=%d", id, e.Votes[id])
		}
		line += " votes " + strings.Join(tally, " ")
	}
	p.printf(e.At, "%s", line)
}

func (p *eventPrinter) ElectionFailed(e events.ElectionFailed) {
	p.printf(e.At, "election %s failed: %s", shortID(e.ElectionID), e.Reason)
}

func (p *eventPrinter) ResourceCreated(events.ResourceCreated)           {}
func (p *eventPrinter) ResourceStateChanged(events.ResourceStateChanged) {}
func (p *eventPrinter) ResourceDisposed(events.ResourceDisposed)         {}

func (p *eventPrinter) ResourceError(e events.ResourceError) {
	p.printf(e.At, "resource %s %s failed: %v", e.ResourceID, e.Op, e.Err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
