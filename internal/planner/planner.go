// Package planner implements the build-queue task, grounded on
// the_architect.py: it serves "next (package, version) pair for this ABI"
// requests by popping from an in-memory, per-ABI queue, refilling that queue
// from the catalog whenever it runs dry.
package planner

import (
	"context"
	"fmt"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Planner answers Next(abi) requests over a REP queue, rebuilding its
// per-ABI queue from the catalog on demand.
type Planner struct {
	*task.Base
	cat    catalog.Operations
	sock   *transport.Channel
	queues map[string][]catalog.BuildQueueEntry
}

// NewPlanner binds a REP socket at addr for the build queue protocol,
// answering against cat.
func NewPlanner(ctx context.Context, addr string, cat catalog.Operations) (*Planner, error) {
	ch, err := transport.NewRepServer(ctx, addr, plannerRequestProtocol, plannerReplyProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	return &Planner{Base: task.NewBase(), cat: cat, sock: ch, queues: map[string][]catalog.BuildQueueEntry{}}, nil
}

func (p *Planner) Name() string { return "master.the_architect" }

// Step services exactly one NEXT request, matching the REP/REQ lockstep the
// reference build_queue socket enforced.
func (p *Planner) Step(ctx context.Context) error {
	var args nextArgs
	_, err := p.sock.Recv(&args)
	if err != nil {
		return err
	}
	entry, ok := p.pop(ctx, args.ABI)
	if !ok {
		return p.sock.Send("NONE", nil)
	}
	return p.sock.Send("TASK", taskArgs{Package: entry.Package, Version: entry.Version})
}

// pop returns the next (package, version) for abi, refilling from the
// catalog once the in-memory queue is exhausted — exactly the
// KeyError/IndexError fallback in the_architect.py's handle_build.
func (p *Planner) pop(ctx context.Context, abi string) (catalog.BuildQueueEntry, bool) {
	q := p.queues[abi]
	if len(q) == 0 {
		fresh, err := p.cat.GetBuildQueue(ctx, abi)
		if err != nil {
			return catalog.BuildQueueEntry{}, false
		}
		q = fresh
	}
	if len(q) == 0 {
		p.queues[abi] = q
		return catalog.BuildQueueEntry{}, false
	}
	entry := q[0]
	p.queues[abi] = q[1:]
	return entry, true
}

type nextArgs struct {
	ABI string `json:"abi"`
}

type taskArgs struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

var plannerRequestProtocol = wire.NewProtocol("NEXT", nextArgs{})
var plannerReplyProtocol = wire.NewProtocol("TASK", taskArgs{}, "NONE", nil)
