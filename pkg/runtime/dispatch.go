package runtime

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// Pool adapts an Adapter to the scheduler.Dispatcher interface: it renders
// nothing itself (that's the external template engine's job, spec.md §9),
// but owns submission, Node bookkeeping, and, for pollable adapters, a
// background poll loop until the job reaches a terminal Status.
//
// Named after the teacher's per-plugin worker pools: each Pool instance
// backs exactly one configured runtime.
type Pool struct {
	Name    string
	Adapter Adapter
	Store   store.Client

	// PollInterval governs how often pollable adapters are checked. Unused
	// by LAVA/pull adapters, whose jobs complete via callback.
	PollInterval time.Duration
}

// NewPool constructs a Pool backing runtime name.
func NewPool(name string, adapter Adapter, s store.Client) *Pool {
	return &Pool{Name: name, Adapter: adapter, Store: s, PollInterval: 15 * time.Second}
}

// Submit implements scheduler.Dispatcher. It submits job to the adapter,
// records the returned Handle on the Node (so a pollable adapter's poll
// loop, or a later callback lookup, can find it again), and for pollable
// adapters starts a background goroutine that drives the Node to done.
func (p *Pool) Submit(ctx context.Context, def config.Job, n node.Node) error {
	job := Job{Definition: def, Node: n, Params: def.Params}

	handle, err := p.Adapter.Submit(ctx, job)
	if err != nil {
		return errors.Wrapf(err, "runtime %q: submission failed", p.Name)
	}

	if handle != "" {
		n.Data.ExternalJobID = string(handle)
		updated, err := p.Store.Update(ctx, n, node.StateRunning)
		if err != nil {
			return errors.Wrapf(err, "runtime %q: recording external job id", p.Name)
		}
		n = updated
	}

	go p.drive(context.Background(), n, handle)
	return nil
}

// drive polls handle until it completes, writing the terminal result back
// to the Node. Adapters that only complete via callback return
// ErrNotPollable immediately and drive is a no-op: the Callback ingestor
// owns that Node's next transition (spec.md §4.4).
func (p *Pool) drive(ctx context.Context, n node.Node, handle Handle) {
	if handle == "" {
		return
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.Adapter.Poll(ctx, handle)
		if errors.Is(err, ErrNotPollable) {
			return
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"runtime": p.Name, "id": n.ID}).
				Warn("runtime: poll failed, will retry")
			continue
		}
		if !status.Done {
			continue
		}

		n.Data.ErrorCode = status.ErrorCode
		n.Data.ErrorMsg = status.ErrorMsg
		if err := n.Advance(node.StateDone, status.Result); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"runtime": p.Name, "id": n.ID}).
				Error("runtime: couldn't advance node after poll completion")
			return
		}

		if _, err := p.Store.Update(ctx, n, node.StateRunning); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"runtime": p.Name, "id": n.ID}).
				Error("runtime: couldn't persist node after poll completion")
			return
		}
		return
	}
}
