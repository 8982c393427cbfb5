package forwarder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

type recordingSink struct {
	batches []Batch
}

func (s *recordingSink) Forward(_ context.Context, b Batch) error {
	s.batches = append(s.batches, b)
	return nil
}

type fakeAnalyzer struct {
	issues    []Issue
	incidents []Incident
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string) ([]Issue, []Incident, error) {
	return f.issues, f.incidents, nil
}

func doneCheckout(t *testing.T, result node.Result) node.Node {
	t.Helper()
	n, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	n.Data.KernelRevision = &node.KernelRevision{Tree: "mainline", Branch: "master", Commit: "abc"}
	require.NoError(t, n.Advance(node.StateDone, result))
	return n
}

func doneKbuild(t *testing.T, s store.Client, result node.Result) node.Node {
	t.Helper()
	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	parent, err = s.Create(context.Background(), parent)
	require.NoError(t, err)

	n, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	require.NoError(t, n.Advance(node.StateDone, result))
	return n
}

func TestForwardNodeMarksProcessedAndForwards(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	f := New(s, sink, nil, nil)

	n, err := s.Create(context.Background(), doneCheckout(t, node.ResultPass))
	require.NoError(t, err)

	require.NoError(t, f.ForwardNode(context.Background(), n))

	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0].Checkouts, 1)
	assert.Equal(t, "abc", sink.batches[0].Checkouts[0].Commit)

	got, err := s.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, got.Data.ProcessedByReporting)
}

func TestForwardNodeSkipsAlreadyProcessed(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	f := New(s, sink, nil, nil)

	n := doneCheckout(t, node.ResultPass)
	n.Data.ProcessedByReporting = true
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	require.NoError(t, f.ForwardNode(context.Background(), created))
	assert.Empty(t, sink.batches, "an already-processed node is write-once and must not be forwarded again")
}

func TestForwardNodeHoldsIncompleteKbuildBelowRetryCap(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	f := New(s, sink, nil, nil)

	n := doneKbuild(t, s, node.ResultIncomplete)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	require.NoError(t, f.ForwardNode(context.Background(), created))

	assert.Empty(t, sink.batches, "a retryable incomplete result below the cap is marked processed, not forwarded")
	got, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, got.Data.ProcessedByReporting)
}

func TestForwardNodeAttachesLogAnalysisOnKbuildFailure(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	analyzer := &fakeAnalyzer{issues: []Issue{{NodeID: "x", Summary: "oops"}}}
	f := New(s, sink, analyzer, nil)

	n := doneKbuild(t, s, node.ResultFail)
	n.Data.RetryCounter = maxRetryCounterForTest
	n.Artifacts = map[string]string{"log": "https://logs/kbuild.log"}
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	require.NoError(t, f.ForwardNode(context.Background(), created))

	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0].Issues, 1)
	assert.Equal(t, "oops", sink.batches[0].Issues[0].Summary)
}

func TestHandleEventIgnoresNonDoneTransitions(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	f := New(s, sink, nil, nil)

	f.HandleEvent(context.Background(), bus.Event{ID: "whatever", State: node.StateRunning})
	assert.Empty(t, sink.batches)
}

func TestBatchSweepRespectsQuietPeriod(t *testing.T) {
	s := store.NewFake()
	sink := &recordingSink{}
	f := New(s, sink, nil, nil)
	now := time.Now()
	f.nowFn = func() time.Time { return now }

	recent := doneCheckout(t, node.ResultPass)
	created, err := s.Create(context.Background(), recent)
	require.NoError(t, err)
	_ = created

	require.NoError(t, f.BatchSweep(context.Background()))
	assert.Empty(t, sink.batches, "a node updated within the quiet period is not yet eligible")
}

// maxRetryCounterForTest mirrors aggregator.maxRetryCounter without
// importing the aggregator package's unexported constant.
const maxRetryCounterForTest = 2
