package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

func newReconciler(s store.Client, now time.Time) *Reconciler {
	r := New(s, aggregator.New(s, &config.Config{}))
	r.nowFn = func() time.Time { return now }
	return r
}

func TestSweepTimesOutRunningNode(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()

	n, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	deadline := time.Now().Add(-time.Minute)
	n.Timeout = &deadline
	created, err := s.Create(ctx, n)
	require.NoError(t, err)

	r := newReconciler(s, time.Now())
	require.NoError(t, r.Sweep(ctx))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, got.State)
	assert.Equal(t, node.ResultIncomplete, got.Result, "a running node past its timeout is incomplete, not pass")
}

func TestSweepTimeoutCascadesToChildren(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	deadline := time.Now().Add(-time.Minute)
	parent.Timeout = &deadline
	parent, err = s.Create(ctx, parent)
	require.NoError(t, err)

	child, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	child, err = s.Create(ctx, child)
	require.NoError(t, err)

	r := newReconciler(s, time.Now())
	require.NoError(t, r.Sweep(ctx))

	gotChild, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, gotChild.State, "an open child of a timed-out parent is closed in the same sweep")
}

func TestSweepClosesAvailableNodeAfterHoldoffWhenChildrenDone(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Advance(node.StateAvailable, ""))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, parent.SetHoldoff(past))
	parent, err = s.Create(ctx, parent)
	require.NoError(t, err)

	child, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	require.NoError(t, child.Advance(node.StateDone, node.ResultPass))
	_, err = s.Create(ctx, child)
	require.NoError(t, err)

	r := newReconciler(s, time.Now())
	require.NoError(t, r.Sweep(ctx))

	got, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, got.State)
	assert.Equal(t, node.ResultPass, got.Result)
}

func TestSweepMovesAvailableToClosingWhenChildrenOpen(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Advance(node.StateAvailable, ""))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, parent.SetHoldoff(past))
	parent, err = s.Create(ctx, parent)
	require.NoError(t, err)

	child, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	_, err = s.Create(ctx, child)
	require.NoError(t, err)

	r := newReconciler(s, time.Now())
	require.NoError(t, r.Sweep(ctx))

	got, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateClosing, got.State, "holdoff expiry with an open child moves to closing, not done")
}

func TestSweepLeavesAvailableNodeAloneBeforeHoldoff(t *testing.T) {
	s := store.NewFake()
	ctx := context.Background()

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Advance(node.StateAvailable, ""))
	future := time.Now().Add(time.Hour)
	require.NoError(t, parent.SetHoldoff(future))
	parent, err = s.Create(ctx, parent)
	require.NoError(t, err)

	r := newReconciler(s, time.Now())
	require.NoError(t, r.Sweep(ctx))

	got, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateAvailable, got.State)
}
