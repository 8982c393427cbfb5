package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/auth"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

func newTestHandler(t *testing.T) (*Handler, store.Client) {
	t.Helper()
	s := store.NewFake()
	a := auth.NewCallbackAuthenticator(map[string]string{"lava-lab-1": "supersecret1"})
	agg := aggregator.New(s, &config.Config{Aggregation: config.AggregationConfig{DefaultHoldoff: "10m"}})
	return NewHandler(s, a, agg, nil), s
}

func jobNode(t *testing.T, s store.Client, externalID string) node.Node {
	t.Helper()
	parent, err := node.New(node.KindCheckout, "checkout", nil)
	require.NoError(t, err)
	parent, err = s.Create(context.Background(), parent)
	require.NoError(t, err)

	n, err := node.New(node.KindJob, "boot-qemu", &parent)
	require.NoError(t, err)
	n.Data.ExternalJobID = externalID
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func post(t *testing.T, h *Handler, path, bearer string, payload Payload) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleRejectsBadAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := post(t, h, "/callback/lava-lab-1", "wrong-secret", Payload{JobID: "job-1", Status: node.ResultPass})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRejectsRuntimeMismatch(t *testing.T) {
	h, s := newTestHandler(t)
	jobNode(t, s, "job-1")

	req := httptest.NewRequest(http.MethodPost, "/callback/other-lab", bytes.NewReader(mustJSON(t, Payload{JobID: "job-1"})))
	req.Header.Set("Authorization", "Bearer supersecret1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the secret authenticates lava-lab-1, not other-lab")
}

func TestHandleUnknownJobID(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := post(t, h, "/callback/lava-lab-1", "supersecret1", Payload{JobID: "no-such-job", Status: node.ResultPass})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngestsResult(t *testing.T) {
	h, s := newTestHandler(t)
	created := jobNode(t, s, "job-1")

	rec := post(t, h, "/callback/lava-lab-1", "supersecret1", Payload{
		JobID:  "job-1",
		Status: node.ResultPass,
		Tests: []TestResult{
			{Name: "boot", Result: node.ResultPass},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateAvailable, got.State)

	children, err := s.List(context.Background(), store.NewQuery().Eq("parent", created.ID))
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "boot", children[0].Name)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
