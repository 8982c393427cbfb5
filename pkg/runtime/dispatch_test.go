package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

type fakeAdapter struct {
	mu          sync.Mutex
	submitErr   error
	handle      Handle
	pollResults []Status
	pollErr     error
}

func (f *fakeAdapter) Submit(context.Context, Job) (Handle, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.handle, nil
}

func (f *fakeAdapter) Poll(context.Context, Handle) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return Status{}, f.pollErr
	}
	if len(f.pollResults) == 0 {
		return Status{Done: false}, nil
	}
	next := f.pollResults[0]
	f.pollResults = f.pollResults[1:]
	return next, nil
}

func (f *fakeAdapter) Cancel(context.Context, Handle) error { return nil }

func parentCheckout(t *testing.T, s store.Client) node.Node {
	t.Helper()
	n, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func TestSubmitRecordsExternalJobIDAndPolls(t *testing.T) {
	s := store.NewFake()
	parent := parentCheckout(t, s)
	n, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	adapter := &fakeAdapter{handle: "job-123", pollResults: []Status{{Done: true, Result: node.ResultPass}}}
	p := NewPool("shell", adapter, s)
	p.PollInterval = 5 * time.Millisecond

	require.NoError(t, p.Submit(context.Background(), config.Job{Name: "kbuild-gcc-12-arm64"}, created))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Get(context.Background(), created.ID)
		require.NoError(t, err)
		if got.State == node.StateDone {
			assert.Equal(t, node.ResultPass, got.Result)
			assert.Equal(t, "job-123", got.Data.ExternalJobID)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node never reached done via poll loop")
}

func TestSubmitReturnsErrorOnAdapterFailure(t *testing.T) {
	s := store.NewFake()
	parent := parentCheckout(t, s)
	n, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	adapter := &fakeAdapter{submitErr: assert.AnError}
	p := NewPool("shell", adapter, s)

	err = p.Submit(context.Background(), config.Job{Name: "kbuild-gcc-12-arm64"}, created)
	require.Error(t, err)
}

func TestSubmitWithNotPollableHandleLeavesDriveLoopNoOp(t *testing.T) {
	s := store.NewFake()
	parent := parentCheckout(t, s)
	n, err := node.New(node.KindJob, "boot-qemu", &parent)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	adapter := &fakeAdapter{handle: "lava-job-1", pollErr: ErrNotPollable}
	p := NewPool("lava", adapter, s)
	p.PollInterval = 5 * time.Millisecond

	require.NoError(t, p.Submit(context.Background(), config.Job{Name: "boot-qemu"}, created))

	time.Sleep(50 * time.Millisecond)

	got, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateRunning, got.State, "a callback-only runtime's node stays running until the Callback ingestor advances it")
}
