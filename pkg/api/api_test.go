package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/auth"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
	"github.com/kernelci/kernelci-pipeline/pkg/trigger"
)

type fakeResolver struct{ commit string }

func (f *fakeResolver) ResolveTip(_ context.Context, _, _ string) (string, error) {
	return f.commit, nil
}

func newTestHandler(t *testing.T) (*Handler, store.Client, *auth.TokenIssuer) {
	t.Helper()
	s := store.NewFake()
	tr := trigger.New(s, &fakeResolver{commit: "abc123"}, &config.Config{})
	issuer := auth.NewTokenIssuer("signing-secret")
	return NewHandler(s, tr, issuer), s, issuer
}

func authedPost(t *testing.T, h *Handler, issuer *auth.TokenIssuer, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", nil, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCheckoutRejectsUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, pathCheckout, bytes.NewReader(mustJSON(t, CheckoutRequest{Commit: "abc"})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutCreatesNode(t *testing.T) {
	h, s, issuer := newTestHandler(t)

	rec := authedPost(t, h, issuer, pathCheckout, CheckoutRequest{
		URL: "https://git.kernel.org/custom.git", Branch: "for-next", Commit: "deadbeef",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created node.Node
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "deadbeef", created.Data.KernelRevision.Commit)
	assert.Equal(t, "alice", created.Submitter)

	all, err := s.List(context.Background(), store.NewQuery())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCheckoutRejectsMissingCommit(t *testing.T) {
	h, _, issuer := newTestHandler(t)
	rec := authedPost(t, h, issuer, pathCheckout, CheckoutRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutWithNodeIDInheritsRevisionAndRecordsLineage(t *testing.T) {
	h, s, issuer := newTestHandler(t)

	origin, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	origin.Data.KernelRevision = &node.KernelRevision{Tree: "mainline", Branch: "master", URL: "https://git.kernel.org/mainline.git"}
	origin, err = s.Create(context.Background(), origin)
	require.NoError(t, err)

	rec := authedPost(t, h, issuer, pathCheckout, CheckoutRequest{NodeID: origin.ID, Commit: "cafef00d"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created node.Node
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, origin.ID, created.Group)
	assert.Equal(t, "master", created.Data.KernelRevision.Branch)
	assert.Equal(t, "", created.Parent, "invariant 3: a checkout always has a nil parent, even when re-targeted")
}

func TestJobretrySpawnsSiblingWithIncrementedCounter(t *testing.T) {
	h, s, issuer := newTestHandler(t)

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	parent, err = s.Create(context.Background(), parent)
	require.NoError(t, err)

	n, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	n.Data.RetryCounter = 1
	require.NoError(t, n.Advance(node.StateDone, node.ResultIncomplete))
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	rec := authedPost(t, h, issuer, pathJobretry, JobretryRequest{NodeID: created.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sibling node.Node
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sibling))
	assert.NotEqual(t, created.ID, sibling.ID)
	assert.Equal(t, node.StateRunning, sibling.State)
	assert.Equal(t, 2, sibling.Data.RetryCounter)
}

func TestJobretryRejectsNonTerminalNode(t *testing.T) {
	h, s, issuer := newTestHandler(t)

	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	parent, err = s.Create(context.Background(), parent)
	require.NoError(t, err)

	n, err := node.New(node.KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)

	rec := authedPost(t, h, issuer, pathJobretry, JobretryRequest{NodeID: created.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPatchsetCreatesRootCheckoutWithLineage(t *testing.T) {
	h, s, issuer := newTestHandler(t)

	origin, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	origin.Data.KernelRevision = &node.KernelRevision{Tree: "mainline", Branch: "master", Commit: "abc123"}
	origin, err = s.Create(context.Background(), origin)
	require.NoError(t, err)

	rec := authedPost(t, h, issuer, pathPatchset, PatchsetRequest{
		NodeID:   origin.ID,
		PatchURL: []string{"https://patches/1.patch", "https://patches/2.patch"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created node.Node
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "", created.Parent)
	assert.Equal(t, origin.ID, created.Group)
	assert.Equal(t, "abc123", created.Data.KernelRevision.Commit)
	assert.Len(t, created.Artifacts, 2)
}

func TestPatchsetRequiresPatchURL(t *testing.T) {
	h, s, issuer := newTestHandler(t)
	origin, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	origin, err = s.Create(context.Background(), origin)
	require.NoError(t, err)

	rec := authedPost(t, h, issuer, pathPatchset, PatchsetRequest{NodeID: origin.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
