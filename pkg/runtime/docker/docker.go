// Package docker implements the Docker Runtime adapter (spec.md §4.4):
// "same as Shell but inside a named image." It wraps pkg/runtime/shell's
// subprocess handling, prefixing the rendered command with a `docker run`
// invocation against the job's configured image.
package docker

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/shell"
)

// Adapter runs jobs inside a named Docker image via `docker run`, reusing
// shell.Adapter for process lifecycle and log capture.
type Adapter struct {
	inner *shell.Adapter
}

// New constructs a docker Adapter. argsFor renders the in-container
// command (argv), the same contract as shell.New's Command callback.
func New(b blob.Store, workRoot string, argsFor func(job runtime.Job) []string) *Adapter {
	command := func(job runtime.Job) (string, []string) {
		image := job.Definition.Params["image"]
		containerArgs := argsFor(job)

		args := []string{"run", "--rm", "--name", "kci-" + job.Node.ID, image}
		args = append(args, containerArgs...)
		return "docker", args
	}

	return &Adapter{inner: shell.New(b, workRoot, command)}
}

// Submit delegates to the wrapped shell adapter.
func (a *Adapter) Submit(ctx context.Context, job runtime.Job) (runtime.Handle, error) {
	if job.Definition.Params["image"] == "" {
		return "", errors.Errorf("docker: job %q has no image configured", job.Definition.Name)
	}
	return a.inner.Submit(ctx, job)
}

// Poll delegates to the wrapped shell adapter.
func (a *Adapter) Poll(ctx context.Context, handle runtime.Handle) (runtime.Status, error) {
	return a.inner.Poll(ctx, handle)
}

// Cancel delegates to the wrapped shell adapter.
func (a *Adapter) Cancel(ctx context.Context, handle runtime.Handle) error {
	return a.inner.Cancel(ctx, handle)
}

var _ runtime.Adapter = (*Adapter)(nil)
