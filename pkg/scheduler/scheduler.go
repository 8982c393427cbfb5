// Package scheduler implements spec.md §4.3: matching incoming Node events
// against scheduler entries, evaluating each candidate job's rule
// predicate, and dispatching eligible children to the configured Runtime
// adapters.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/durationfmt"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// Dispatcher hands a rendered job off to a Runtime adapter (pkg/runtime).
// Kept as an interface so the Scheduler doesn't need to know about any
// specific adapter's transport.
type Dispatcher interface {
	Submit(ctx context.Context, job config.Job, n node.Node) error
}

// Scheduler matches Node events against the catalog of job definitions and
// dispatches eligible children.
type Scheduler struct {
	Store   store.Client
	Config  *config.Config
	Dispatchers map[string]Dispatcher

	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// New constructs a Scheduler. dispatchers is keyed by runtime name.
func New(s store.Client, cfg *config.Config, dispatchers map[string]Dispatcher) *Scheduler {
	return &Scheduler{
		Store:       s,
		Config:      cfg,
		Dispatchers: dispatchers,
		sems:        make(map[string]*semaphore.Weighted),
	}
}

func (sch *Scheduler) semaphoreFor(runtime string) *semaphore.Weighted {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	if s, ok := sch.sems[runtime]; ok {
		return s
	}

	concurrency := int64(1)
	if rc, ok := sch.Config.FindRuntime(runtime); ok && rc.Concurrency > 0 {
		concurrency = int64(rc.Concurrency)
	}
	s := semaphore.NewWeighted(concurrency)
	sch.sems[runtime] = s
	return s
}

// HandleEvent evaluates every scheduler entry against ev and the Node it
// describes, dispatching children for every match. Errors dispatching one
// job are logged and do not prevent evaluating the rest (spec.md §7:
// transient upstream failures never surface to a Node beyond the job they
// concern).
func (sch *Scheduler) HandleEvent(ctx context.Context, ev bus.Event, triggering node.Node) {
	for _, entry := range sch.Config.Scheduler {
		pattern := bus.Pattern{
			Name:   entry.Event.Name,
			Kind:   node.Kind(entry.Event.Kind),
			Result: node.Result(entry.Event.Result),
			State:  node.State(entry.Event.State),
		}
		if !pattern.Matches(ev) {
			continue
		}

		for _, jobName := range entry.Jobs {
			job, ok := sch.Config.FindJob(jobName)
			if !ok {
				logrus.WithField("job", jobName).Warn("scheduler: entry references unknown job definition")
				continue
			}
			if err := sch.tryDispatch(ctx, job, triggering); err != nil {
				if errors.Is(err, errAlreadyDispatched) || errors.Is(err, errNotEligible) || errors.Is(err, errWithinFrequencyWindow) {
					continue
				}
				logrus.WithError(err).WithFields(logrus.Fields{"job": jobName, "parent": triggering.ID}).
					Error("scheduler: failed to dispatch job")
			}
		}
	}
}

var (
	errNotEligible            = errors.New("scheduler: job not eligible for this node")
	errAlreadyDispatched      = errors.New("scheduler: child already exists for this (parent, name)")
	errWithinFrequencyWindow  = errors.New("scheduler: job skipped, within frequency window")
)

// tryDispatch evaluates job's rule against parent, checks the
// single-writer-per-(parent,name) dedup guard and frequency dedup, then
// creates the child Node and hands it to the Runtime adapter.
func (sch *Scheduler) tryDispatch(ctx context.Context, job config.Job, parent node.Node) error {
	if !parent.MatchesJobfilter(job.Name) {
		return errNotEligible
	}

	rev := parent.Data.KernelRevision
	var tree, branch, describe string
	if rev != nil {
		tree, branch, describe = rev.Tree, rev.Branch, rev.Describe
	}
	if !eligible(job.Rules, tree, branch, parent.Data.Arch, parent.Data.Defconfig, parent.Data.Fragments, describe) {
		return errNotEligible
	}

	existing, err := sch.Store.List(ctx, store.NewQuery().Eq("parent", parent.ID).Eq("name", job.Name))
	if err != nil {
		return errors.Wrap(err, "scheduler: checking for existing child")
	}
	if len(existing) > 0 {
		return errAlreadyDispatched
	}

	if job.Rules.Frequency != "" {
		within, err := sch.withinFrequencyWindow(ctx, job, tree, branch)
		if err != nil {
			return err
		}
		if within {
			return errWithinFrequencyWindow
		}
	}

	child, err := node.New(kindForJob(job), job.Name, &parent)
	if err != nil {
		return errors.Wrap(err, "scheduler: building child node")
	}
	applyPlatforms(&child, sch.Config, job)

	created, err := sch.Store.Create(ctx, child)
	if err != nil {
		return errors.Wrap(err, "scheduler: creating child node")
	}

	dispatcher, ok := sch.Dispatchers[job.Runtime]
	if !ok {
		return errors.Errorf("scheduler: no dispatcher registered for runtime %q", job.Runtime)
	}

	sem := sch.semaphoreFor(job.Runtime)
	if err := sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "scheduler: acquiring runtime concurrency slot")
	}
	defer sem.Release(1)

	if err := dispatcher.Submit(ctx, job, created); err != nil {
		return sch.handleSubmissionFailure(ctx, job, created, err)
	}

	logrus.WithFields(logrus.Fields{"job": job.Name, "parent": parent.ID, "id": created.ID, "runtime": job.Runtime}).
		Info("scheduler: dispatched job")
	return nil
}

// handleSubmissionFailure implements spec.md §4.4: submission failure
// transitions the child to done/incomplete and spawns a retry sibling, up
// to 3 attempts.
func (sch *Scheduler) handleSubmissionFailure(ctx context.Context, job config.Job, child node.Node, submitErr error) error {
	logrus.WithError(submitErr).WithFields(logrus.Fields{"job": job.Name, "id": child.ID}).
		Warn("scheduler: job submission failed")

	if err := child.Advance(node.StateDone, node.ResultIncomplete); err != nil {
		return errors.Wrap(err, "scheduler: failing child after submission error")
	}
	if _, err := sch.Store.Update(ctx, child, node.StateRunning); err != nil {
		return errors.Wrap(err, "scheduler: persisting failed child")
	}

	if child.Data.RetryCounter >= 2 {
		logrus.WithField("id", child.ID).Warn("scheduler: retry limit reached, not spawning another attempt")
		return nil
	}

	sibling := child
	sibling.ID = ""
	sibling.State = node.StateRunning
	sibling.Result = ""
	sibling.Data.RetryCounter = child.Data.RetryCounter + 1

	created, err := sch.Store.Create(ctx, sibling)
	if err != nil {
		return errors.Wrap(err, "scheduler: creating retry sibling")
	}

	dispatcher, ok := sch.Dispatchers[job.Runtime]
	if !ok {
		return errors.Errorf("scheduler: no dispatcher registered for runtime %q", job.Runtime)
	}
	if err := dispatcher.Submit(ctx, job, created); err != nil {
		return sch.handleSubmissionFailure(ctx, job, created, err)
	}

	logrus.WithFields(logrus.Fields{"job": job.Name, "id": created.ID, "attempt": sibling.Data.RetryCounter + 1}).
		Info("scheduler: retry attempt dispatched")
	return nil
}

func kindForJob(job config.Job) node.Kind {
	switch job.Kind {
	case "kbuild":
		return node.KindKbuild
	case "test":
		return node.KindTest
	default:
		return node.KindJob
	}
}

// applyPlatforms merges the first matching platform's attributes into
// child's data, the way spec.md §4.3 describes dispatch populating `data`
// "from the parent ... plus the platform's attributes."
func applyPlatforms(child *node.Node, cfg *config.Config, job config.Job) {
	for _, name := range job.Platforms {
		p, ok := cfg.FindPlatform(name)
		if !ok {
			continue
		}
		child.Data.Platform = p.Name
		if p.Arch != "" {
			child.Data.Arch = p.Arch
		}
		child.Data.Runtime = job.Runtime
		return
	}
	child.Data.Runtime = job.Runtime
}

// withinFrequencyWindow reports whether a Node named job.Name already
// exists for (tree, branch) within job.Rules.Frequency (spec.md §4.3).
func (sch *Scheduler) withinFrequencyWindow(ctx context.Context, job config.Job, tree, branch string) (bool, error) {
	window, err := durationfmt.Parse(job.Rules.Frequency)
	if err != nil {
		return false, errors.Wrap(err, "scheduler: invalid frequency")
	}
	if window == 0 {
		return false, nil
	}

	nodes, err := sch.Store.List(ctx, store.NewQuery().
		Eq("name", job.Name).
		Eq("data.kernel_revision.tree", tree).
		Eq("data.kernel_revision.branch", branch))
	if err != nil {
		return false, errors.Wrap(err, "scheduler: querying prior job runs")
	}

	cutoff := nowFn().Add(-window)
	for _, n := range nodes {
		if n.Created.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// nowFn is overridable in tests.
var nowFn = time.Now
