package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Aggregation: config.AggregationConfig{DefaultHoldoff: "10m"},
	}
}

func parentCheckout(t *testing.T, s store.Client) node.Node {
	t.Helper()
	n, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	n.Data.KernelRevision = &node.KernelRevision{Tree: "mainline", Branch: "master", Commit: "abc"}
	require.NoError(t, n.Advance(node.StateAvailable, ""))
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func leafNode(t *testing.T, s store.Client, externalID string) node.Node {
	t.Helper()
	parent := parentCheckout(t, s)
	n, err := node.New(node.KindJob, "boot-qemu", &parent)
	require.NoError(t, err)
	n.Data.ExternalJobID = externalID
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func TestIngestCallbackLeafAdvancesToDone(t *testing.T) {
	s := store.NewFake()
	a := New(s, testConfig())
	n := leafNode(t, s, "job-1")

	updated, err := a.IngestCallback(context.Background(), n, CallbackPayload{Status: node.ResultPass})
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, updated.State)
	assert.Equal(t, node.ResultPass, updated.Result)
}

func TestIngestCallbackWithTestsGoesAvailableWithHoldoff(t *testing.T) {
	s := store.NewFake()
	a := New(s, testConfig())
	n := leafNode(t, s, "job-2")

	updated, err := a.IngestCallback(context.Background(), n, CallbackPayload{
		Tests: []CallbackTest{{Name: "test-a", Result: node.ResultPass}},
	})
	require.NoError(t, err)
	assert.Equal(t, node.StateAvailable, updated.State)
	require.NotNil(t, updated.Holdoff)

	children, err := s.List(context.Background(), store.NewQuery().Eq("parent", updated.ID))
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, node.StateDone, children[0].State)
	assert.Equal(t, node.ResultPass, children[0].Result)
}

func TestIngestCallbackNestedTestTree(t *testing.T) {
	s := store.NewFake()
	a := New(s, testConfig())
	n := leafNode(t, s, "job-3")

	_, err := a.IngestCallback(context.Background(), n, CallbackPayload{
		Tests: []CallbackTest{{
			Name:   "suite-a",
			Result: node.ResultFail,
			Children: []CallbackTest{
				{Name: "case-1", Result: node.ResultPass},
				{Name: "case-2", Result: node.ResultFail},
			},
		}},
	})
	require.NoError(t, err)

	suites, err := s.List(context.Background(), store.NewQuery().Eq("parent", n.ID))
	require.NoError(t, err)
	require.Len(t, suites, 1)
	assert.Equal(t, node.KindJob, suites[0].Kind, "a test with children becomes a job node, not a leaf test")

	cases, err := s.List(context.Background(), store.NewQuery().Eq("parent", suites[0].ID))
	require.NoError(t, err)
	assert.Len(t, cases, 2)
}

func TestIngestCallbackReplayDoesNotDuplicateChildren(t *testing.T) {
	s := store.NewFake()
	a := New(s, testConfig())
	n := leafNode(t, s, "job-4")

	payload := CallbackPayload{Tests: []CallbackTest{{Name: "test-a", Result: node.ResultPass}}}

	updated, err := a.IngestCallback(context.Background(), n, payload)
	require.NoError(t, err)

	_, err = a.IngestCallback(context.Background(), updated, payload)
	require.NoError(t, err)

	children, err := s.List(context.Background(), store.NewQuery().Eq("parent", n.ID))
	require.NoError(t, err)
	assert.Len(t, children, 1, "a replayed callback must not create a second test node")
}

func TestAggregateResultRollup(t *testing.T) {
	mk := func(result node.Result, name string) node.Node {
		return node.Node{Name: name, Result: result}
	}

	assert.Equal(t, node.ResultPass, AggregateResult(nil))
	assert.Equal(t, node.ResultPass, AggregateResult([]node.Node{mk(node.ResultPass, "a")}))
	assert.Equal(t, node.ResultFail, AggregateResult([]node.Node{mk(node.ResultPass, "a"), mk(node.ResultFail, "b")}))
	assert.Equal(t, node.ResultSkip, AggregateResult([]node.Node{mk(node.ResultSkip, "a"), mk(node.ResultSkip, "b")}))
	assert.Equal(t, node.ResultIncomplete, AggregateResult([]node.Node{mk(node.ResultFail, "setup")}),
		"a failed setup child marks the whole parent incomplete, not fail")
}

func TestDetectRegressionFindsPriorPass(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()
	parent := parentCheckout(t, s)

	passing, err := node.New(node.KindTest, "boot-qemu", &parent)
	require.NoError(t, err)
	require.NoError(t, passing.Advance(node.StateDone, node.ResultPass))
	passing, err = s.Create(ctx, passing)
	require.NoError(t, err)

	failing, err := node.New(node.KindTest, "boot-qemu", &parent)
	require.NoError(t, err)
	require.NoError(t, failing.Advance(node.StateDone, node.ResultFail))
	created, err := s.Create(ctx, failing)
	require.NoError(t, err)

	regression, err := DetectRegression(ctx, s, created)
	require.NoError(t, err)
	require.NotNil(t, regression)
	assert.Equal(t, node.KindRegression, regression.Kind)
	assert.Equal(t, passing.ID, regression.Data.RegressionOf)
}

func TestDetectRegressionSkipsToolErrors(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()
	parent := parentCheckout(t, s)

	failing, err := node.New(node.KindTest, "boot-qemu", &parent)
	require.NoError(t, err)
	failing.Data.ErrorCode = "infra_error"
	require.NoError(t, failing.Advance(node.StateDone, node.ResultFail))
	created, err := s.Create(ctx, failing)
	require.NoError(t, err)

	regression, err := DetectRegression(ctx, s, created)
	require.NoError(t, err)
	assert.Nil(t, regression, "tool/infra errors are excluded from regression detection")
}

func TestShouldForwardRetryFilter(t *testing.T) {
	incomplete := node.Node{Kind: node.KindKbuild, State: node.StateDone, Result: node.ResultIncomplete}
	assert.False(t, ShouldForward(incomplete), "an incomplete kbuild below the retry cap waits for the final attempt")

	incomplete.Data.RetryCounter = maxRetryCounter
	assert.True(t, ShouldForward(incomplete), "the final retry attempt is forwardable")

	passed := node.Node{Kind: node.KindKbuild, State: node.StateDone, Result: node.ResultPass}
	assert.True(t, ShouldForward(passed))
}
