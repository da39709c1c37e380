package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/types"
)

// Poller keeps node records fresh. Every node_update_interval, or earlier
// when the change counter advances, it fetches info, status and state from
// every node in parallel and writes the results back under the state lock.
type Poller struct {
	cfg Config
}

// Run drives the polling loop until ctx is cancelled or the workcell status
// requests shutdown.
func (p *Poller) Run(ctx context.Context) error {
	every := interval(p.cfg.Workcell.NodeUpdateInterval, 2*time.Second)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	changed, unsubscribe, err := p.cfg.Store.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer unsubscribe()

	var lastSeen int64
	for {
		if shutdownRequested(ctx, p.cfg.Store) {
			p.cfg.Logger.Info(ctx, "node poller exiting on shutdown")
			return nil
		}
		lastSeen = p.pollOnce(ctx)
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				break wait
			case <-changed:
				// The poller bumps the counter itself after every cycle, so
				// only counter values beyond the last self-observed one are
				// real wake-ups.
				if cur, err := p.cfg.Store.Changed(ctx); err == nil && cur > lastSeen {
					break wait
				}
			}
		}
	}
}

type polledNode struct {
	name   string
	info   *types.NodeInfo
	status *types.NodeStatus
	state  map[string]any
	err    error
}

// pollOnce fetches every node in parallel, then writes the results back in
// one pass under the lock. It returns the change counter value it produced
// so the caller can tell its own bump apart from foreign updates.
func (p *Poller) pollOnce(ctx context.Context) int64 {
	counter, _ := p.cfg.Store.Changed(ctx)
	nodes, err := p.cfg.Store.Nodes(ctx)
	if err != nil {
		p.cfg.Logger.Error(ctx, "poller: load nodes", "err", err)
		return counter
	}
	if len(nodes) == 0 {
		return counter
	}

	timeout := interval(p.cfg.Workcell.NodeRequestTimeout, 30*time.Second)
	results := make([]polledNode, 0, len(nodes))
	var g errgroup.Group
	ch := make(chan polledNode, len(nodes))
	for name, node := range nodes {
		name, url := name, node.NodeURL
		g.Go(func() error {
			ch <- p.fetch(ctx, name, url, timeout)
			return nil
		})
	}
	_ = g.Wait() // fetch reports failures through the channel
	close(ch)
	for r := range ch {
		if r.err != nil {
			p.cfg.Events.Emit(ctx, labclients.EventNodeUnreachable, nil, map[string]any{
				"node": r.name,
				"err":  r.err.Error(),
			})
		}
		results = append(results, r)
	}

	unlock, err := p.cfg.Store.Lock(ctx, time.Duration(p.cfg.Workcell.LockTTL))
	if err != nil {
		p.cfg.Logger.Warn(ctx, "poller: state lock", "err", err)
		return counter
	}
	defer unlock()

	now := time.Now().UTC()
	for _, r := range results {
		r := r
		if _, err := p.cfg.Store.UpdateNode(ctx, r.name, func(n *types.Node) {
			n.LastPolled = &now
			if r.err != nil {
				// Keep the last known info and state, drop the status so the
				// node reads as unavailable.
				n.Status = nil
				n.LastError = r.err.Error()
				return
			}
			n.Info = r.info
			n.Status = r.status
			if r.state != nil {
				n.State = r.state
			}
			n.LastError = ""
		}); err != nil {
			p.cfg.Logger.Error(ctx, "poller: update node", "node", r.name, "err", err)
		}
		if r.err != nil {
			p.cfg.Metrics.IncCounter("workcell.node_poll_failures", 1, "node", r.name)
		}
	}
	if n, err := p.cfg.Store.MarkChanged(ctx); err != nil {
		p.cfg.Logger.Error(ctx, "poller: mark changed", "err", err)
	} else {
		counter = n
	}
	return counter
}

func (p *Poller) fetch(ctx context.Context, name, url string, timeout time.Duration) polledNode {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := polledNode{name: name}
	client, err := p.cfg.Clients(url)
	if err != nil {
		out.err = err
		return out
	}
	if out.info, err = client.Info(ctx); err != nil {
		out.err = err
		return out
	}
	if out.status, err = client.Status(ctx); err != nil {
		out.err = err
		return out
	}
	if out.info.Capabilities.GetState {
		// State is optional; a failure here does not mark the node down.
		if st, err := client.State(ctx); err == nil {
			out.state = st
		}
	}
	return out
}
