package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

type recordingDispatcher struct {
	submitted []node.Node
	err       error
}

func (d *recordingDispatcher) Submit(_ context.Context, _ config.Job, n node.Node) error {
	if d.err != nil {
		return d.err
	}
	d.submitted = append(d.submitted, n)
	return nil
}

func baseConfig() *config.Config {
	return &config.Config{
		Platforms: []config.Platform{{Name: "qemu-arm64", Arch: "arm64"}},
		Runtimes:  []config.RuntimeConfig{{Name: "k8s-lab", Driver: "k8s", Concurrency: 2}},
		Jobs: []config.Job{
			{
				Name:      "kbuild-gcc-12-arm64",
				Kind:      "kbuild",
				Runtime:   "k8s-lab",
				Platforms: []string{"qemu-arm64"},
				Rules:     config.Rule{Tree: []string{"mainline"}, Arch: []string{"arm64"}},
			},
		},
		Scheduler: []config.SchedulerEntry{
			{
				Event: struct {
					Channel string `json:"channel" mapstructure:"channel"`
					Name    string `json:"name" mapstructure:"name"`
					Kind    string `json:"kind" mapstructure:"kind"`
					Result  string `json:"result" mapstructure:"result"`
					State   string `json:"state" mapstructure:"state"`
				}{Kind: "checkout", State: "available"},
				Jobs: []string{"kbuild-gcc-12-arm64"},
			},
		},
	}
}

func checkoutFor(t *testing.T, tree, branch, arch string) node.Node {
	t.Helper()
	n, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	n.Data.KernelRevision = &node.KernelRevision{Tree: tree, Branch: branch, Commit: "abc"}
	n.Data.Arch = arch
	require.NoError(t, n.Advance(node.StateAvailable, ""))
	return n
}

func TestHandleEventDispatchesMatchingJob(t *testing.T) {
	s := store.NewFake()
	d := &recordingDispatcher{}
	sch := New(s, baseConfig(), map[string]Dispatcher{"k8s-lab": d})

	checkout := checkoutFor(t, "mainline", "master", "arm64")
	created, err := s.Create(context.Background(), checkout)
	require.NoError(t, err)

	ev := bus.Event{ID: created.ID, Kind: node.KindCheckout, Name: "checkout", State: node.StateAvailable}
	sch.HandleEvent(context.Background(), ev, created)

	require.Len(t, d.submitted, 1)
	assert.Equal(t, "kbuild-gcc-12-arm64", d.submitted[0].Name)
	assert.Equal(t, created.ID, d.submitted[0].Parent)
	assert.Equal(t, "qemu-arm64", d.submitted[0].Data.Platform)
}

func TestHandleEventSkipsIneligibleArch(t *testing.T) {
	s := store.NewFake()
	d := &recordingDispatcher{}
	sch := New(s, baseConfig(), map[string]Dispatcher{"k8s-lab": d})

	checkout := checkoutFor(t, "mainline", "master", "x86_64")
	created, err := s.Create(context.Background(), checkout)
	require.NoError(t, err)

	ev := bus.Event{ID: created.ID, Kind: node.KindCheckout, Name: "checkout", State: node.StateAvailable}
	sch.HandleEvent(context.Background(), ev, created)

	assert.Empty(t, d.submitted)
}

func TestHandleEventDeduplicatesExistingChild(t *testing.T) {
	s := store.NewFake()
	d := &recordingDispatcher{}
	sch := New(s, baseConfig(), map[string]Dispatcher{"k8s-lab": d})

	checkout := checkoutFor(t, "mainline", "master", "arm64")
	created, err := s.Create(context.Background(), checkout)
	require.NoError(t, err)

	ev := bus.Event{ID: created.ID, Kind: node.KindCheckout, Name: "checkout", State: node.StateAvailable}
	sch.HandleEvent(context.Background(), ev, created)
	sch.HandleEvent(context.Background(), ev, created)

	assert.Len(t, d.submitted, 1, "redelivering the same event must not create a duplicate child")
}

func TestHandleEventJobfilterExcludesJob(t *testing.T) {
	s := store.NewFake()
	d := &recordingDispatcher{}
	sch := New(s, baseConfig(), map[string]Dispatcher{"k8s-lab": d})

	checkout := checkoutFor(t, "mainline", "master", "arm64")
	checkout.Jobfilter = []string{"baseline*"}
	created, err := s.Create(context.Background(), checkout)
	require.NoError(t, err)

	ev := bus.Event{ID: created.ID, Kind: node.KindCheckout, Name: "checkout", State: node.StateAvailable}
	sch.HandleEvent(context.Background(), ev, created)

	assert.Empty(t, d.submitted)
}

func TestHandleEventSubmissionFailureMarksIncomplete(t *testing.T) {
	s := store.NewFake()
	d := &recordingDispatcher{err: assert.AnError}
	sch := New(s, baseConfig(), map[string]Dispatcher{"k8s-lab": d})

	checkout := checkoutFor(t, "mainline", "master", "arm64")
	created, err := s.Create(context.Background(), checkout)
	require.NoError(t, err)

	ev := bus.Event{ID: created.ID, Kind: node.KindCheckout, Name: "checkout", State: node.StateAvailable}
	sch.HandleEvent(context.Background(), ev, created)

	children, err := s.List(context.Background(), store.NewQuery().Eq("parent", created.ID))
	require.NoError(t, err)
	require.Len(t, children, 3, "3 attempts total: the original child plus two retry siblings")
	for _, c := range children {
		assert.Equal(t, node.StateDone, c.State)
		assert.Equal(t, node.ResultIncomplete, c.Result)
	}
}
