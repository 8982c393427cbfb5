// Package aggregator implements spec.md §4.7: rolling up child Node
// results into a parent verdict, detecting pass->fail regressions against
// history, and the retry-vs-forward filter the Result forwarder consults.
// It also implements the Callback ingestor's Node-mutation half (spec.md
// §4.5 steps 3-5): the HTTP-facing pkg/callback package only authenticates
// and parses, handing the parsed payload here.
//
// The "already seen" idempotency tracking below is adapted from the
// teacher's pkg/plugin/aggregation/aggregator.go
// (isExpected/isResultDuplicate/processResult), repurposed from "wait for
// node check-ins to fill a local map" into "don't double-apply a replayed
// external callback."
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/durationfmt"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// CallbackTest mirrors pkg/callback.TestResult without importing it, so
// this package has no HTTP-layer dependency.
type CallbackTest struct {
	Name      string
	Result    node.Result
	Artifacts map[string]string
	Children  []CallbackTest
}

// CallbackPayload is the parsed shape an external lab callback delivers.
type CallbackPayload struct {
	Status    node.Result
	Artifacts map[string]string
	ErrorCode string
	ErrorMsg  string
	Tests     []CallbackTest
}

// Aggregator rolls up results, detects regressions, and ingests callback
// payloads into the State Store.
type Aggregator struct {
	Store  store.Client
	Config *config.Config

	// seenJobIDs records the external job ids already ingested, so a
	// replayed callback delivery is recognised and logged as such; the
	// duplicate-child check itself is the (parent, name) lookup in
	// ingestTestTree.
	mu         sync.Mutex
	seenJobIDs map[string]bool

	// nowFn is overridable in tests.
	nowFn func() time.Time
}

// New constructs an Aggregator.
func New(s store.Client, cfg *config.Config) *Aggregator {
	return &Aggregator{Store: s, Config: cfg, seenJobIDs: make(map[string]bool), nowFn: time.Now}
}

// IngestCallback applies payload to n: creating child Nodes for the
// reported test tree, attaching artifacts, and transitioning n itself
// (spec.md §4.5 steps 3-5). A second delivery for the same external job id
// is idempotent: it updates n and its direct children in place rather than
// creating duplicates (spec.md §8 "Callback idempotence").
func (a *Aggregator) IngestCallback(ctx context.Context, n node.Node, payload CallbackPayload) (node.Node, error) {
	prevState := n.State
	jobID := n.Data.ExternalJobID

	a.mu.Lock()
	replay := jobID != "" && a.seenJobIDs[jobID]
	a.seenJobIDs[jobID] = true
	a.mu.Unlock()

	if replay {
		logrus.WithField("job_id", jobID).Info("aggregator: replayed callback, updating in place")
	}

	if n.Artifacts == nil {
		n.Artifacts = map[string]string{}
	}
	for name, url := range payload.Artifacts {
		n.Artifacts[name] = url
	}
	n.Data.ErrorCode = payload.ErrorCode
	n.Data.ErrorMsg = payload.ErrorMsg

	if len(payload.Tests) == 0 {
		if n.State == node.StateDone {
			return a.Store.Update(ctx, n, prevState)
		}
		if err := n.Advance(node.StateDone, payload.Status); err != nil {
			return n, errors.Wrap(err, "aggregator: advancing leaf node to done")
		}
		return a.Store.Update(ctx, n, prevState)
	}

	for _, t := range payload.Tests {
		if err := a.ingestTestTree(ctx, n, t); err != nil {
			return n, errors.Wrapf(err, "aggregator: ingesting test %q", t.Name)
		}
	}

	if n.State != node.StateAvailable && n.State != node.StateDone {
		if err := n.Advance(node.StateAvailable, ""); err != nil {
			return n, errors.Wrap(err, "aggregator: advancing node to available")
		}
		holdoff, err := durationfmt.Parse(a.Config.Aggregation.DefaultHoldoff)
		if err != nil {
			return n, errors.Wrap(err, "aggregator: invalid default_holdoff")
		}
		if err := n.SetHoldoff(a.now().Add(holdoff)); err != nil {
			return n, errors.Wrap(err, "aggregator: setting holdoff")
		}
	}

	return a.Store.Update(ctx, n, prevState)
}

// ingestTestTree creates (or, on replay, finds and updates the artifacts
// of) a child Node for t, recursing into its children first so a suite's
// own result is available once it is created. Each reported test already
// carries its final result from the lab, so children are created directly
// in their terminal state. A test found on replay is not descended into.
func (a *Aggregator) ingestTestTree(ctx context.Context, parent node.Node, t CallbackTest) error {
	existing, err := a.Store.List(ctx, store.NewQuery().Eq("parent", parent.ID).Eq("name", t.Name))
	if err != nil {
		return errors.Wrap(err, "aggregator: checking for existing test node")
	}
	if len(existing) > 0 {
		prev := existing[0]
		if len(t.Artifacts) == 0 {
			return nil
		}
		if prev.Artifacts == nil {
			prev.Artifacts = map[string]string{}
		}
		for name, url := range t.Artifacts {
			prev.Artifacts[name] = url
		}
		_, err := a.Store.Update(ctx, prev, prev.State)
		return errors.Wrap(err, "aggregator: updating existing test node")
	}

	kind := node.KindTest
	if len(t.Children) > 0 {
		kind = node.KindJob
	}

	child, err := node.New(kind, t.Name, &parent)
	if err != nil {
		return errors.Wrap(err, "aggregator: building test node")
	}
	child.Artifacts = t.Artifacts

	created, err := a.Store.Create(ctx, child)
	if err != nil {
		return errors.Wrap(err, "aggregator: creating test node")
	}

	for _, sub := range t.Children {
		if err := a.ingestTestTree(ctx, created, sub); err != nil {
			return err
		}
	}

	if err := created.Advance(node.StateDone, t.Result); err != nil {
		return errors.Wrap(err, "aggregator: advancing test node to done")
	}
	_, err = a.Store.Update(ctx, created, node.StateRunning)
	return errors.Wrap(err, "aggregator: persisting test node")
}

func (a *Aggregator) now() time.Time {
	if a.nowFn != nil {
		return a.nowFn()
	}
	return time.Now()
}
