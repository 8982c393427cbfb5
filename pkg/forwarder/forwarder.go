// Package forwarder implements the Result forwarder (spec.md §4.8): batch
// plus event-driven delivery of terminal Nodes to the downstream reporting
// sink, schema conversion, log-derived issue/incident attachment, and the
// write-once processed_by_reporting marker.
package forwarder

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/metrics"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// batchWindow and quietPeriod bound the batch sweep's query (spec.md
// §4.8): "created within last 4 days, updated > 5 minutes ago" (the quiet
// period gives in-flight aggregation a chance to settle before forwarding
// a Node that might still be mutated by a closing parent).
const (
	batchWindow = 4 * 24 * time.Hour
	quietPeriod = 5 * time.Minute
)

// Checkout, Build, Test, Issue and Incident are the downstream reporting
// sink's schema records (spec.md §6): minimal field sets, since the sink
// itself is an external collaborator and the wire format beyond these
// fields is its concern, not the engine's.
type Checkout struct {
	NodeID      string `json:"node_id"`
	Tree        string `json:"tree"`
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
	Describe    string `json:"describe,omitempty"`
	Result      string `json:"result"`
}

type Build struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"name"`
	Arch       string `json:"arch,omitempty"`
	Compiler   string `json:"compiler,omitempty"`
	Defconfig  string `json:"defconfig,omitempty"`
	Result     string `json:"result"`
}

type Test struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Platform string `json:"platform,omitempty"`
	Result   string `json:"result"`
}

type Issue struct {
	NodeID  string `json:"node_id"`
	Summary string `json:"summary"`
}

type Incident struct {
	NodeID  string `json:"node_id"`
	IssueID string `json:"issue_id"`
}

// Batch is a single append-only ingest document (spec.md §6).
type Batch struct {
	Checkouts []Checkout `json:"checkouts"`
	Builds    []Build    `json:"builds"`
	Tests     []Test     `json:"tests"`
	Issues    []Issue    `json:"issues"`
	Incidents []Incident `json:"incidents"`
}

func (b Batch) empty() bool {
	return len(b.Checkouts) == 0 && len(b.Builds) == 0 && len(b.Tests) == 0
}

// Sink is the downstream reporting collaborator (spec.md §6): "append-only
// ingest accepting a batched JSON document ... responds with 2xx on
// success." At-least-once delivery is acceptable because the receiver
// dedups on Node id (spec.md §1 Non-goals).
type Sink interface {
	Forward(ctx context.Context, batch Batch) error
}

// LogAnalyzer extracts issues/incidents from a failed Node's log artifact
// (spec.md §4.8: "attach log-derived issues/incidents by running a
// log-analysis helper on failed nodes whose path begins with boot or
// whose kind is kbuild"). The analysis logic itself is out of scope; this
// interface is the seam package tests inject a fake against.
type LogAnalyzer interface {
	Analyze(ctx context.Context, logURL string) ([]Issue, []Incident, error)
}

// Forwarder converts and forwards terminal Nodes to Sink.
type Forwarder struct {
	Store    store.Client
	Sink     Sink
	Analyzer LogAnalyzer
	Metrics  *metrics.Registry

	nowFn func() time.Time
}

// New constructs a Forwarder.
func New(s store.Client, sink Sink, analyzer LogAnalyzer, m *metrics.Registry) *Forwarder {
	return &Forwarder{Store: s, Sink: sink, Analyzer: analyzer, Metrics: m, nowFn: time.Now}
}

func (f *Forwarder) now() time.Time {
	if f.nowFn != nil {
		return f.nowFn()
	}
	return time.Now()
}

// BatchSweep queries every eligible terminal Node (spec.md §4.8) and
// forwards each in turn. A failure forwarding one Node is logged and does
// not prevent the rest of the batch (spec.md §7: transient failures never
// surface past the Node/operation they concern).
func (f *Forwarder) BatchSweep(ctx context.Context) error {
	now := f.now()
	candidates, err := f.Store.List(ctx, store.NewQuery().
		Eq("state", string(node.StateDone)).
		Eq("data.processed_by_reporting", "false").
		Gt("created", now.Add(-batchWindow).Format(time.RFC3339)).
		Lt("updated", now.Add(-quietPeriod).Format(time.RFC3339)))
	if err != nil {
		return errors.Wrap(err, "forwarder: querying eligible nodes")
	}

	for _, n := range candidates {
		if err := f.ForwardNode(ctx, n); err != nil {
			logrus.WithError(err).WithField("id", n.ID).Error("forwarder: failed to forward node")
		}
	}

	if f.Metrics != nil && len(candidates) > 0 {
		f.Metrics.ForwarderBatches.Inc()
	}
	return nil
}

// HandleEvent is the event-driven half of spec.md §4.8: forward a Node as
// soon as it is observed reaching a terminal state, without waiting for
// the next batch sweep.
func (f *Forwarder) HandleEvent(ctx context.Context, ev bus.Event) {
	if ev.State != node.StateDone {
		return
	}
	n, err := f.Store.Get(ctx, ev.ID)
	if err != nil {
		logrus.WithError(err).WithField("id", ev.ID).Warn("forwarder: couldn't re-read node for event")
		return
	}
	if n.Data.ProcessedByReporting {
		return
	}
	if err := f.ForwardNode(ctx, n); err != nil {
		logrus.WithError(err).WithField("id", n.ID).Error("forwarder: failed to forward node")
	}
}

// ForwardNode applies the retry filter, converts n to the downstream
// schema, attaches log-derived issues/incidents, uploads, and sets the
// write-once processed_by_reporting marker (spec.md §4.7/§4.8). Invariant
// 7 (processed_by_reporting is write-once true) means this is a no-op on
// a Node that's already marked.
func (f *Forwarder) ForwardNode(ctx context.Context, n node.Node) error {
	if n.Data.ProcessedByReporting {
		return nil
	}

	if !aggregator.ShouldForward(n) {
		return f.markProcessed(ctx, n)
	}

	batch := convert(n)

	if f.Analyzer != nil && n.Result == node.ResultFail && eligibleForLogAnalysis(n) {
		if logURL, ok := n.Artifacts["log"]; ok {
			issues, incidents, err := f.Analyzer.Analyze(ctx, logURL)
			if err != nil {
				logrus.WithError(err).WithField("id", n.ID).Warn("forwarder: log analysis failed, forwarding without issues")
			} else {
				batch.Issues = append(batch.Issues, issues...)
				batch.Incidents = append(batch.Incidents, incidents...)
			}
		}
	}

	if !batch.empty() {
		if err := f.Sink.Forward(ctx, batch); err != nil {
			return errors.Wrap(err, "forwarder: forwarding batch")
		}
	}

	return f.markProcessed(ctx, n)
}

// eligibleForLogAnalysis matches spec.md §4.8: "failed nodes whose path
// begins with boot or whose kind is kbuild."
func eligibleForLogAnalysis(n node.Node) bool {
	if n.Kind == node.KindKbuild {
		return true
	}
	return len(n.Path) > 0 && strings.HasPrefix(n.Path[0], "boot")
}

func (f *Forwarder) markProcessed(ctx context.Context, n node.Node) error {
	prevState := n.State
	n.Data.ProcessedByReporting = true
	_, err := f.Store.Update(ctx, n, prevState)
	return errors.Wrap(err, "forwarder: marking node processed")
}

// convert maps a single Node into the downstream schema's checkouts/
// builds/tests arrays, per its Kind.
func convert(n node.Node) Batch {
	var b Batch

	switch n.Kind {
	case node.KindCheckout:
		rev := n.Data.KernelRevision
		c := Checkout{NodeID: n.ID, Result: string(n.Result)}
		if rev != nil {
			c.Tree, c.Branch, c.Commit, c.Describe = rev.Tree, rev.Branch, rev.Commit, rev.Describe
		}
		b.Checkouts = append(b.Checkouts, c)

	case node.KindKbuild:
		b.Builds = append(b.Builds, Build{
			NodeID:    n.ID,
			Name:      n.Name,
			Arch:      n.Data.Arch,
			Compiler:  n.Data.Compiler,
			Defconfig: n.Data.Defconfig,
			Result:    string(n.Result),
		})

	case node.KindJob, node.KindTest, node.KindProcess:
		b.Tests = append(b.Tests, Test{
			NodeID:   n.ID,
			Name:     n.Name,
			Path:     n.PathString(),
			Platform: n.Data.Platform,
			Result:   string(n.Result),
		})
	}

	return b
}
