// Package reconciler implements spec.md §4.6: a periodic sweep over every
// Node in state running/available/closing that expires stale Nodes,
// enforces holdoff, and closes parents whose children are all done.
package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// Reconciler sweeps the State Store and drives timeout/holdoff/closing
// transitions.
type Reconciler struct {
	Store      store.Client
	Aggregator *aggregator.Aggregator

	// nowFn is overridable in tests.
	nowFn func() time.Time
}

// New constructs a Reconciler.
func New(s store.Client, agg *aggregator.Aggregator) *Reconciler {
	return &Reconciler{Store: s, Aggregator: agg, nowFn: time.Now}
}

func (r *Reconciler) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// Sweep performs one pass over every open Node, in child-before-parent
// order (spec.md §4.6 "Ordering guarantee") so parent aggregation always
// sees final children within the same sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	var open []node.Node
	for _, st := range []node.State{node.StateRunning, node.StateAvailable, node.StateClosing} {
		ns, err := r.Store.List(ctx, store.NewQuery().Eq("state", string(st)))
		if err != nil {
			return errors.Wrapf(err, "reconciler: listing %q nodes", st)
		}
		open = append(open, ns...)
	}

	sort.SliceStable(open, func(i, j int) bool {
		return len(open[i].Path) > len(open[j].Path)
	})

	for _, n := range open {
		if err := r.processNode(ctx, n); err != nil {
			logrus.WithError(err).WithField("id", n.ID).Error("reconciler: failed to process node")
		}
	}
	return nil
}

// processNode applies spec.md §4.6's per-Node rule, in priority order:
// timeout first (it overrides holdoff/closing entirely), then the
// available-holdoff and closing handling.
func (r *Reconciler) processNode(ctx context.Context, n node.Node) error {
	now := r.now()

	if n.Timeout != nil && !now.Before(*n.Timeout) {
		return r.timeoutSubtree(ctx, n)
	}

	switch n.State {
	case node.StateAvailable:
		if n.Holdoff == nil || now.Before(*n.Holdoff) {
			return nil
		}
		children, err := r.children(ctx, n.ID)
		if err != nil {
			return err
		}
		if allDone(children) {
			return r.closeDone(ctx, n, children)
		}
		if err := n.Advance(node.StateClosing, ""); err != nil {
			return errors.Wrap(err, "reconciler: closing node")
		}
		_, err = r.Store.Update(ctx, n, node.StateAvailable)
		return errors.Wrap(err, "reconciler: persisting closing transition")

	case node.StateClosing:
		children, err := r.children(ctx, n.ID)
		if err != nil {
			return err
		}
		if allDone(children) {
			return r.closeDone(ctx, n, children)
		}
		return nil
	}

	return nil
}

// timeoutSubtree implements spec.md §4.6's timeout rule: "transition N and
// all descendants not already done to state=done; set result=incomplete if
// state was running, else result=pass (the holdoff-completion
// convention)." This is applied recursively, since a timed-out parent's
// still-open children are also expiring with it.
func (r *Reconciler) timeoutSubtree(ctx context.Context, n node.Node) error {
	if n.State == node.StateDone {
		return nil
	}

	prevState := n.State
	wasRunning := n.State == node.StateRunning
	result := node.ResultPass
	if wasRunning {
		result = node.ResultIncomplete
	}

	if err := n.Advance(node.StateDone, result); err != nil {
		return errors.Wrap(err, "reconciler: timing out node")
	}
	updated, err := r.Store.Update(ctx, n, prevState)
	if err != nil {
		return errors.Wrap(err, "reconciler: persisting timeout")
	}

	if err := r.onTerminal(ctx, updated); err != nil {
		logrus.WithError(err).WithField("id", updated.ID).Warn("reconciler: regression detection failed")
	}

	children, err := r.children(ctx, n.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := r.timeoutSubtree(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// closeDone aggregates children's results into n's verdict and persists
// the terminal transition (spec.md §4.6/§4.7).
func (r *Reconciler) closeDone(ctx context.Context, n node.Node, children []node.Node) error {
	result := aggregator.AggregateResult(children)
	prevState := n.State

	if err := n.Advance(node.StateDone, result); err != nil {
		return errors.Wrap(err, "reconciler: closing node")
	}
	updated, err := r.Store.Update(ctx, n, prevState)
	if err != nil {
		return errors.Wrap(err, "reconciler: persisting closed node")
	}

	if err := r.onTerminal(ctx, updated); err != nil {
		logrus.WithError(err).WithField("id", updated.ID).Warn("reconciler: regression detection failed")
	}
	return nil
}

// onTerminal runs regression detection for any Node that just reached
// done/fail (spec.md §4.7).
func (r *Reconciler) onTerminal(ctx context.Context, n node.Node) error {
	if n.Result != node.ResultFail {
		return nil
	}
	regression, err := aggregator.DetectRegression(ctx, r.Store, n)
	if err != nil {
		return err
	}
	if regression != nil {
		logrus.WithFields(logrus.Fields{"id": n.ID, "regression": regression.ID}).
			Info("reconciler: regression detected")
	}
	return nil
}

func (r *Reconciler) children(ctx context.Context, parentID string) ([]node.Node, error) {
	children, err := r.Store.List(ctx, store.NewQuery().Eq("parent", parentID))
	return children, errors.Wrap(err, "reconciler: listing children")
}

func allDone(children []node.Node) bool {
	for _, c := range children {
		if c.State != node.StateDone {
			return false
		}
	}
	return true
}
