package pull

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

func TestSubmitUploadsDescriptorAndReturnsNodeIDAsHandle(t *testing.T) {
	b := blob.NewFake()
	a := New(b)

	job := runtime.Job{
		Definition: config.Job{Name: "boot-qemu"},
		Node:       node.Node{ID: "node-9"},
		Params:     map[string]string{"arch": "arm64"},
	}

	handle, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, runtime.Handle("node-9"), handle)

	data, ok := b.Get("fake://blob/1/node-9-descriptor.json")
	require.True(t, ok)

	var desc descriptor
	require.NoError(t, json.Unmarshal(data, &desc))
	assert.Equal(t, "boot-qemu", desc.JobName)
	assert.Equal(t, "node-9", desc.NodeID)
	assert.Equal(t, "arm64", desc.Params["arch"])
}

func TestPollAlwaysReturnsNotPollable(t *testing.T) {
	a := New(blob.NewFake())
	_, err := a.Poll(context.Background(), runtime.Handle("node-9"))
	assert.ErrorIs(t, err, runtime.ErrNotPollable)
}

func TestCancelIsANoOp(t *testing.T) {
	a := New(blob.NewFake())
	assert.NoError(t, a.Cancel(context.Background(), runtime.Handle("node-9")))
}
