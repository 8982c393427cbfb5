package aggregator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// AggregateResult implements spec.md §4.7's rollup rule for job/kbuild/
// process Nodes from the multiset of their immediate children's results.
func AggregateResult(children []node.Node) node.Result {
	if len(children) == 0 {
		return node.ResultPass
	}

	var pass, fail, skip int
	setupFailed := false
	for _, c := range children {
		switch c.Result {
		case node.ResultPass:
			pass++
		case node.ResultFail:
			fail++
			if c.Name == "setup" {
				setupFailed = true
			}
		case node.ResultSkip:
			skip++
		}
	}

	switch {
	case fail == 0 && skip == 0:
		return node.ResultPass
	case fail > 0 && setupFailed:
		return node.ResultIncomplete
	case fail > 0:
		return node.ResultFail
	case skip == len(children):
		return node.ResultSkip
	default:
		return node.ResultPass
	}
}

// DetectRegression implements spec.md §4.7's regression detection: on a
// child transitioning to done/fail, look up the most recent sibling with
// the same fingerprint and result=pass; if found, create a regression
// Node cross-linking both. Returns nil, nil if no prior pass is found (no
// regression to record).
func DetectRegression(ctx context.Context, s store.Client, failed node.Node) (*node.Node, error) {
	if failed.Result != node.ResultFail {
		return nil, nil
	}
	if failed.Data.ErrorCode != "" {
		// Tool/infrastructure errors are excluded from regression
		// detection unless asked (spec.md §7).
		return nil, nil
	}

	fp := failed.Fingerprint()
	candidates, err := s.List(ctx, store.NewQuery().
		Eq("name", fp.Name).
		Eq("data.kernel_revision.tree", fp.Tree).
		Eq("data.kernel_revision.branch", fp.Branch).
		Eq("result", string(node.ResultPass)))
	if err != nil {
		return nil, errors.Wrap(err, "aggregator: querying for prior pass sibling")
	}

	var mostRecent *node.Node
	for i := range candidates {
		c := candidates[i]
		if c.Fingerprint() != fp {
			continue
		}
		if mostRecent == nil || c.Created.After(mostRecent.Created) {
			mostRecent = &candidates[i]
		}
	}
	if mostRecent == nil {
		return nil, nil
	}

	regression, err := node.New(node.KindRegression, "regression-"+failed.Name, nil)
	if err != nil {
		return nil, errors.Wrap(err, "aggregator: building regression node")
	}
	regression.Group = failed.Group
	regression.TreeID = failed.TreeID
	regression.Data.KernelRevision = failed.Data.KernelRevision
	regression.Data.RegressionOf = mostRecent.ID
	regression.Data.ErrorMsg = "regression: " + failed.ID + " failed after " + mostRecent.ID + " passed"
	if err := regression.Advance(node.StateDone, node.ResultFail); err != nil {
		return nil, errors.Wrap(err, "aggregator: finalizing regression node")
	}

	created, err := s.Create(ctx, regression)
	if err != nil {
		return nil, errors.Wrap(err, "aggregator: creating regression node")
	}
	return &created, nil
}

// maxRetryCounter is the retry_counter value of the final attempt. Attempts
// are numbered 0, 1, 2 (spec.md §4.4/§4.7: "up to 3 attempts for kbuild/job
// and baseline"); pkg/scheduler stops spawning a further sibling once a
// child's counter reaches this value, so it also marks the final,
// forwardable attempt.
const maxRetryCounter = 2

// ShouldForward implements spec.md §4.7's retry filter: a kbuild/job Node
// with result=incomplete, or a baseline Node with result=fail, whose
// retry_counter hasn't reached maxRetryCounter, is marked processed
// without being forwarded; only the final retry is eligible for
// forwarding.
func ShouldForward(n node.Node) bool {
	if n.State != node.StateDone {
		return false
	}

	isRetryable := (n.Kind == node.KindKbuild || n.Kind == node.KindJob) && n.Result == node.ResultIncomplete
	isBaselineFail := n.Name == "baseline" && n.Result == node.ResultFail
	if !isRetryable && !isBaselineFail {
		return true
	}

	return n.Data.RetryCounter >= maxRetryCounter
}
