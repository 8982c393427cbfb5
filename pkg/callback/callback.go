// Package callback implements the Callback ingestor (spec.md §4.5): an
// authenticated HTTP sink for asynchronous lab callbacks (LAVA, pull
// labs). Routing is built on gorilla/mux, adapted from the teacher's
// pkg/plugin/aggregation/handler.go (route table construction, mux.Vars
// parameter extraction).
package callback

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/auth"
	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/metrics"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// pathCallback is the lab-facing sink: POST /callback/<runtime>.
const pathCallback = "/callback/{runtime}"

// TestResult is one entry in a callback payload's per-test results tree
// (spec.md §4.5: "per-test results tree"). Children let a job/suite
// payload nest test cases directly, preserving hierarchy without a
// separate round trip per leaf.
type TestResult struct {
	Name      string            `json:"name"`
	Result    node.Result       `json:"result"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Children  []TestResult      `json:"children,omitempty"`
}

// Payload is the parsed shape of a lab's callback request (spec.md §4.5
// step 1): "job id, status, per-test results tree, log artifact URLs".
type Payload struct {
	JobID     string            `json:"job_id"`
	Status    node.Result       `json:"status"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Tests     []TestResult      `json:"tests,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
}

// Handler is the authenticated HTTP sink mounted at /callback/{runtime}.
type Handler struct {
	mux.Router

	Store        store.Client
	Auth         *auth.CallbackAuthenticator
	Aggregator   *aggregator.Aggregator
	Metrics      *metrics.Registry
}

// NewHandler constructs the callback router.
func NewHandler(s store.Client, authenticator *auth.CallbackAuthenticator, agg *aggregator.Aggregator, m *metrics.Registry) *Handler {
	h := &Handler{Router: *mux.NewRouter(), Store: s, Auth: authenticator, Aggregator: agg, Metrics: m}
	h.HandleFunc(pathCallback, h.handle).Methods(http.MethodPost)
	return h
}

// handle implements spec.md §4.5's five steps. Authentication happens
// first and unconditionally: "a mismatch returns 401" before any Node
// mutation, matching the teacher's validate-then-process pattern in
// handler.go.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	pathRuntime := mux.Vars(r)["runtime"]

	authedRuntime, err := h.Auth.Authenticate(r)
	if err != nil || authedRuntime != pathRuntime {
		logrus.WithField("runtime", pathRuntime).Warn("callback: authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		logrus.WithError(err).Warn("callback: malformed payload")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if payload.JobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	n, err := h.locate(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logrus.WithField("job_id", payload.JobID).Warn("callback: no node found for external job id")
			http.Error(w, "unknown job id", http.StatusBadRequest)
			return
		}
		logrus.WithError(err).Error("callback: couldn't locate node")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	updated, err := h.Aggregator.IngestCallback(ctx, n, aggregator.CallbackPayload{
		Status:    payload.Status,
		Artifacts: payload.Artifacts,
		ErrorCode: payload.ErrorCode,
		ErrorMsg:  payload.ErrorMsg,
		Tests:     convertTests(payload.Tests),
	})
	if err != nil {
		logrus.WithError(err).WithField("id", n.ID).Error("callback: ingest failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if h.Metrics != nil {
		h.Metrics.EventsProcessed.WithLabelValues("callback").Inc()
		h.Metrics.NodeTransitions.WithLabelValues(string(updated.Kind), string(updated.State), string(updated.Result)).Inc()
	}

	w.WriteHeader(http.StatusOK)
}

// locate finds the Node by external job id recorded on a prior dispatch
// (spec.md §4.5 step 2). The duplicate-suppression caveat of spec.md §9
// applies here: this relies on the lab's job id being unique, which the
// aggregator's idempotent IngestCallback (keyed on the Node's already-set
// ExternalJobID) defends against for replayed deliveries.
func (h *Handler) locate(ctx context.Context, jobID string) (node.Node, error) {
	nodes, err := h.Store.List(ctx, store.NewQuery().Eq("data.external_job_id", jobID))
	if err != nil {
		return node.Node{}, errors.Wrap(err, "callback: querying for external job id")
	}
	if len(nodes) == 0 {
		return node.Node{}, store.ErrNotFound
	}
	return nodes[0], nil
}

func convertTests(in []TestResult) []aggregator.CallbackTest {
	out := make([]aggregator.CallbackTest, 0, len(in))
	for _, t := range in {
		out = append(out, aggregator.CallbackTest{
			Name:      t.Name,
			Result:    t.Result,
			Artifacts: t.Artifacts,
			Children:  convertTests(t.Children),
		})
	}
	return out
}

func init() {
	mime.AddExtensionType(".gz", "application/gzip")
}
