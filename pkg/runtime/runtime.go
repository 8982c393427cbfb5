// Package runtime defines the capability interface every Runtime adapter
// implements (spec.md §4.4, §9: "modelled as a small capability interface,
// not as inheritance; new runtimes add a variant"). The concrete adapters
// live in the shell, docker, k8s, lava and pull subpackages; this package
// only carries the shared contract and the Job parameter dictionary
// adapters render against.
package runtime

import (
	"context"
	"time"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
)

// Job is the parameter dictionary an adapter renders a runtime-specific job
// description from. Template rendering itself is delegated to an external
// collaborator (spec.md §9); the core only assembles this dictionary from
// the Node tree and hands it, plus the Node, to the adapter.
type Job struct {
	Definition config.Job
	Node       node.Node
	Params     map[string]string
}

// Handle identifies a submitted job to its owning adapter for Poll/Cancel.
// Shell/docker/k8s adapters use it to track a local process or pod; LAVA
// and pull adapters never poll, so they may return an empty Handle.
type Handle string

// Status is the outcome of a Poll call.
type Status struct {
	Done   bool
	Result node.Result
	// ErrorCode/ErrorMsg populate Node.Data on a tool/infrastructure
	// failure distinct from a plain job failure (spec.md §7).
	ErrorCode string
	ErrorMsg  string
}

// Adapter is the capability set every Runtime backend implements (spec.md
// §4.4): submit(job, node) -> handle, poll(handle) -> status, cancel(handle).
// It has no result-ingestion method. LAVA and pull-lab adapters implement
// Submit and Cancel but never poll: their results arrive asynchronously
// through pkg/callback, which applies them with aggregator.IngestCallback
// rather than through an adapter.
type Adapter interface {
	// Submit dispatches job and returns a Handle the adapter can later use
	// to poll or cancel it. A non-nil error here is a submission failure
	// (spec.md §4.4): the caller closes the child Node incomplete and
	// spawns a retry sibling.
	Submit(ctx context.Context, job Job) (Handle, error)

	// Poll reports whether handle has completed and with what result.
	// Adapters that only ever complete via callback (LAVA, pull) return
	// ErrNotPollable.
	Poll(ctx context.Context, handle Handle) (Status, error)

	// Cancel best-effort cancels an in-flight job. The service binaries do
	// not call it when they shut down.
	Cancel(ctx context.Context, handle Handle) error
}

// ErrNotPollable is returned by Poll on adapters whose jobs complete only
// through an asynchronous callback.
var ErrNotPollable = notPollableError{}

type notPollableError struct{}

func (notPollableError) Error() string { return "runtime: this adapter's jobs complete via callback, not polling" }

// DefaultSubmitTimeout is the per-adapter default for job submission
// (spec.md §5: "30 min job submission").
const DefaultSubmitTimeout = 30 * time.Minute

// DefaultHTTPTimeout is the per-adapter default for external HTTP calls
// (spec.md §5: "60 s HTTP").
const DefaultHTTPTimeout = 60 * time.Second
