// Package pull implements the pull-lab Runtime adapter (spec.md §4.4): the
// lab pulls work descriptors from the State Store itself, so this adapter
// only materializes the descriptor (by uploading it to the Blob Store; the
// resulting URL is not recorded on the Node) and leaves the Node's state
// as it is; the lab later posts its results to the
// Callback ingestor, exactly like the LAVA adapter's completion path.
package pull

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

// descriptor is the work descriptor a pull lab fetches and interprets on
// its own; rendering its contents beyond the job name/params is delegated
// to the external template engine (spec.md §9).
type descriptor struct {
	JobName string            `json:"job_name"`
	NodeID  string            `json:"node_id"`
	Params  map[string]string `json:"params"`
}

// Adapter materializes a work descriptor to the Blob Store for a pull lab
// to fetch and marks the job as dispatched. It never polls: completion is
// always delivered by the lab calling back (spec.md §4.4).
type Adapter struct {
	Blob blob.Store
}

// New constructs a pull Adapter.
func New(b blob.Store) *Adapter {
	return &Adapter{Blob: b}
}

// Submit uploads the work descriptor and returns the Node's own id as the
// Handle: a pull lab's callback always references the dispatching Node
// directly (it has no separate job id of its own to mint), unlike LAVA.
func (a *Adapter) Submit(ctx context.Context, job runtime.Job) (runtime.Handle, error) {
	desc := descriptor{JobName: job.Definition.Name, NodeID: job.Node.ID, Params: job.Params}

	buf, err := json.Marshal(desc)
	if err != nil {
		return "", errors.Wrap(err, "pull: encoding work descriptor")
	}

	if _, err := a.Blob.Upload(ctx, job.Node.ID+"-descriptor.json", bytes.NewReader(buf)); err != nil {
		return "", errors.Wrap(err, "pull: uploading work descriptor")
	}

	return runtime.Handle(job.Node.ID), nil
}

// Poll always returns ErrNotPollable: pull-lab jobs complete only via
// callback (spec.md §4.4).
func (a *Adapter) Poll(_ context.Context, _ runtime.Handle) (runtime.Status, error) {
	return runtime.Status{}, runtime.ErrNotPollable
}

// Cancel is a no-op: once a descriptor is published, the lab has already
// seen it or may see it at any time; there is nothing server-side to undo.
func (a *Adapter) Cancel(_ context.Context, _ runtime.Handle) error {
	return nil
}

var _ runtime.Adapter = (*Adapter)(nil)
