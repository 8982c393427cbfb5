// Package api implements the user-facing inbound HTTP API of spec.md §4.5/
// §6: POST /api/checkout, /api/jobretry, /api/patchset, each guarded by a
// signed bearer token (pkg/auth.TokenIssuer). Routing follows the same
// gorilla/mux construction as pkg/callback, adapted from the teacher's
// pkg/plugin/aggregation/handler.go.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/auth"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
	"github.com/kernelci/kernelci-pipeline/pkg/trigger"
)

const (
	pathCheckout = "/api/checkout"
	pathJobretry = "/api/jobretry"
	pathPatchset = "/api/patchset"
)

// CheckoutRequest is the body of POST /api/checkout (spec.md §6).
type CheckoutRequest struct {
	NodeID    string   `json:"nodeid,omitempty"`
	URL       string   `json:"url,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit"`
	Jobfilter []string `json:"jobfilter,omitempty"`
}

// JobretryRequest is the body of POST /api/jobretry.
type JobretryRequest struct {
	NodeID string `json:"nodeid"`
}

// PatchsetRequest is the body of POST /api/patchset.
type PatchsetRequest struct {
	NodeID    string   `json:"nodeid"`
	PatchURL  []string `json:"patchurl"`
	Jobfilter []string `json:"jobfilter,omitempty"`
}

// Handler mounts the user-facing API routes.
type Handler struct {
	mux.Router

	Store   store.Client
	Trigger *trigger.Trigger
	Issuer  *auth.TokenIssuer
}

// NewHandler constructs the user-facing API router.
func NewHandler(s store.Client, t *trigger.Trigger, issuer *auth.TokenIssuer) *Handler {
	h := &Handler{Router: *mux.NewRouter(), Store: s, Trigger: t, Issuer: issuer}
	h.HandleFunc(pathCheckout, h.authenticated(h.checkout)).Methods(http.MethodPost)
	h.HandleFunc(pathJobretry, h.authenticated(h.jobretry)).Methods(http.MethodPost)
	h.HandleFunc(pathPatchset, h.authenticated(h.patchset)).Methods(http.MethodPost)
	return h
}

func (h *Handler) authenticated(next func(http.ResponseWriter, *http.Request, *auth.UserClaims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.Issuer.Verify(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, claims)
	}
}

// checkout handles POST /api/checkout: an imperative entry point that
// bypasses the Trigger's frequency gate (spec.md §4.1 "--force"). If
// nodeid is set, the new checkout carries it as lineage in Group
// (checkouts always have a nil Parent per invariant 3, so a "re-target"
// references the originating node via Group rather than literally
// reparenting).
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request, claims *auth.UserClaims) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Commit == "" {
		http.Error(w, "commit is required", http.StatusBadRequest)
		return
	}

	tree := "custom"
	url := req.URL
	branch := req.Branch

	ctx := r.Context()
	if req.NodeID != "" {
		origin, err := h.Store.Get(ctx, req.NodeID)
		if err != nil {
			http.Error(w, "unknown nodeid", http.StatusBadRequest)
			return
		}
		if origin.Data.KernelRevision != nil {
			tree = origin.Data.KernelRevision.Tree
			if url == "" {
				url = origin.Data.KernelRevision.URL
			}
			if branch == "" {
				branch = origin.Data.KernelRevision.Branch
			}
		}
	}

	created, _, err := h.Trigger.CreateCheckout(ctx, tree, url, branch, req.Commit, "", true, req.Jobfilter, claims.Subject)
	if err != nil {
		logrus.WithError(err).Error("api: checkout creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if req.NodeID != "" {
		created.Group = req.NodeID
		if _, err := h.Store.Update(ctx, created, node.StateRunning); err != nil {
			logrus.WithError(err).Warn("api: couldn't record nodeid lineage on checkout")
		}
	}

	respondJSON(w, http.StatusCreated, created)
}

// jobretry handles POST /api/jobretry: spawn a retry sibling rather than
// mutating the original Node, which is left untouched. Every call creates
// a new sibling, so a repeated request yields another one.
func (h *Handler) jobretry(w http.ResponseWriter, r *http.Request, _ *auth.UserClaims) {
	var req JobretryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ctx := r.Context()
	original, err := h.Store.Get(ctx, req.NodeID)
	if err != nil {
		http.Error(w, "unknown nodeid", http.StatusBadRequest)
		return
	}
	if !original.IsTerminal() {
		http.Error(w, "node is not terminal yet", http.StatusConflict)
		return
	}

	sibling := original
	sibling.ID = ""
	sibling.State = node.StateRunning
	sibling.Result = ""
	sibling.Holdoff = nil
	sibling.Timeout = nil
	sibling.Data.RetryCounter = original.Data.RetryCounter + 1
	sibling.Data.ProcessedByReporting = false

	created, err := h.Store.Create(ctx, sibling)
	if err != nil {
		logrus.WithError(err).Error("api: jobretry creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// patchset handles POST /api/patchset: create a new checkout carrying the
// revision of nodeid plus a set of patches to apply on top, gated by an
// optional jobfilter (spec.md §4.1). Like the nodeid re-target case of
// checkout above, invariant 3 keeps this a root Node (nil Parent); its
// relationship to the referenced revision is recorded via Group rather
// than literal reparenting.
func (h *Handler) patchset(w http.ResponseWriter, r *http.Request, claims *auth.UserClaims) {
	var req PatchsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(req.PatchURL) == 0 {
		http.Error(w, "patchurl is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	origin, err := h.Store.Get(ctx, req.NodeID)
	if err != nil {
		http.Error(w, "unknown nodeid", http.StatusBadRequest)
		return
	}

	n, err := node.New(node.KindCheckout, "checkout", nil)
	if err != nil {
		logrus.WithError(err).Error("api: patchset node construction failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	n.Group = req.NodeID
	n.TreeID = origin.TreeID
	n.Jobfilter = req.Jobfilter
	n.Submitter = claims.Subject
	if origin.Data.KernelRevision != nil {
		rev := *origin.Data.KernelRevision
		n.Data.KernelRevision = &rev
	}
	n.Artifacts = make(map[string]string, len(req.PatchURL))
	for i, u := range req.PatchURL {
		n.Artifacts[fmt.Sprintf("patch-%d", i)] = u
	}

	created, err := h.Store.Create(ctx, n)
	if err != nil {
		logrus.WithError(err).Error("api: patchset creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
