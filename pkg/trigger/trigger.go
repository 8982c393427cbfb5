// Package trigger implements spec.md §4.1: observing configured (tree,
// branch) sources and creating checkout Nodes under frequency gates when
// the remote tip commit advances.
package trigger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/durationfmt"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// Resolver resolves the current tip commit for a (tree, branch) pair. It
// is network I/O (spec.md §4.1) and kept as an interface so package tests
// don't need a real git remote.
type Resolver interface {
	ResolveTip(ctx context.Context, treeURL, branch string) (commit string, err error)
}

// Trigger polls configured sources and creates checkout Nodes.
type Trigger struct {
	Store    store.Client
	Resolver Resolver
	Config   *config.Config

	// now is overridable in tests.
	now func() time.Time
}

// New constructs a Trigger.
func New(s store.Client, r Resolver, cfg *config.Config) *Trigger {
	return &Trigger{Store: s, Resolver: r, Config: cfg, now: time.Now}
}

// Poll walks every configured build config; for each, it resolves the tip
// commit and creates a checkout Node if the commit has advanced and the
// frequency window allows it. Poll is idempotent: running it twice in a
// row with no new commits creates nothing (spec.md §4.1).
//
// A transient remote failure for one build config is logged and does not
// abort the remaining ones; the whole tick is simply retried next time
// (spec.md §4.1 "Failure semantics").
func (t *Trigger) Poll(ctx context.Context) {
	for _, bc := range t.Config.BuildConfigs {
		tree, ok := findTree(t.Config.Trees, bc.Tree)
		if !ok {
			logrus.WithField("tree", bc.Tree).Warn("trigger: build_config references unknown tree, skipping")
			continue
		}

		commit, err := t.Resolver.ResolveTip(ctx, tree.URL, bc.Branch)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"tree": tree.Name, "branch": bc.Branch}).
				Warn("trigger: transient failure resolving tip commit, will retry next tick")
			continue
		}

		if _, _, err := t.CreateCheckout(ctx, tree.Name, tree.URL, bc.Branch, commit, bc.Frequency, false, nil, ""); err != nil {
			if errors.Is(err, ErrSkippedFrequencyWindow) {
				continue
			}
			logrus.WithError(err).WithFields(logrus.Fields{"tree": tree.Name, "branch": bc.Branch}).
				Error("trigger: failed to create checkout")
		}
	}
}

// ErrSkippedFrequencyWindow is returned (not logged as an error) when a
// checkout is skipped because a prior checkout for the same treeid
// fingerprint already exists within the configured frequency window.
var ErrSkippedFrequencyWindow = errors.New("trigger: checkout skipped, within frequency window")

// CreateCheckout ensures no prior checkout Node with the same treeid
// fingerprint exists within frequency (unless force is set, which is how
// api/checkout bypasses the gate for user-initiated custom checkouts,
// spec.md §4.1), then creates a new running checkout Node.
func (t *Trigger) CreateCheckout(ctx context.Context, tree, url, branch, commit, frequency string, force bool, jobfilter []string, submitter string) (node.Node, bool, error) {
	treeID := treeFingerprint(tree, branch)

	if !force {
		window, err := parseFrequency(frequency)
		if err != nil {
			return node.Node{}, false, errors.Wrap(err, "trigger: invalid frequency")
		}

		recent, err := t.mostRecentCheckout(ctx, treeID)
		if err != nil {
			return node.Node{}, false, err
		}

		if recent != nil {
			if recent.Data.KernelRevision != nil && recent.Data.KernelRevision.Commit == commit {
				return node.Node{}, false, ErrSkippedFrequencyWindow
			}
			if window > 0 && t.now().Sub(recent.Created) < window {
				return node.Node{}, false, ErrSkippedFrequencyWindow
			}
		}
	}

	n, err := node.New(node.KindCheckout, "checkout", nil)
	if err != nil {
		return node.Node{}, false, errors.Wrap(err, "trigger: building checkout node")
	}
	n.TreeID = treeID
	n.Submitter = submitter
	n.Jobfilter = jobfilter
	n.Data.KernelRevision = &node.KernelRevision{
		Tree:   tree,
		Branch: branch,
		Commit: commit,
		URL:    url,
	}

	created, err := t.Store.Create(ctx, n)
	if err != nil {
		return node.Node{}, false, errors.Wrap(err, "trigger: creating checkout node")
	}

	logrus.WithFields(logrus.Fields{"tree": tree, "branch": branch, "commit": commit, "id": created.ID}).
		Info("trigger: created checkout")
	return created, true, nil
}

func (t *Trigger) mostRecentCheckout(ctx context.Context, treeID string) (*node.Node, error) {
	nodes, err := t.Store.List(ctx, store.NewQuery().Eq("kind", string(node.KindCheckout)).Eq("treeid", treeID))
	if err != nil {
		return nil, errors.Wrap(err, "trigger: querying prior checkouts")
	}

	var latest *node.Node
	for i := range nodes {
		if latest == nil || nodes[i].Created.After(latest.Created) {
			latest = &nodes[i]
		}
	}
	return latest, nil
}

func findTree(trees []config.Tree, name string) (config.Tree, bool) {
	for _, tr := range trees {
		if tr.Name == name {
			return tr, true
		}
	}
	return config.Tree{}, false
}

// treeFingerprint is the treeid used for frequency-window deduplication:
// stable per (tree, branch) pair.
func treeFingerprint(tree, branch string) string {
	return tree + ":" + branch
}

// parseFrequency parses a duration of the form "[Nd][Nh][Nm]" (spec.md
// §4.1/§4.3). An empty string means no gate (every poll creates a new
// checkout if the commit is new).
func parseFrequency(freq string) (time.Duration, error) {
	return durationfmt.Parse(freq)
}
