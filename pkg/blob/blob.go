// Package blob is the engine's client for the Blob Store: authenticated,
// content-addressed artifact storage (spec.md §2, §6). It is an external
// collaborator; this package only defines the upload contract every
// service needs (Tarball for source tarballs, Runtime adapters and the
// Callback ingestor for logs/results, the Result forwarder for
// log-derived issues).
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
)

// Store uploads content-addressed blobs and returns their public URL.
// Uploads are idempotent: uploading identical content twice yields the
// same URL without duplicating storage (spec.md §5).
type Store interface {
	// Upload reads all of r, uploads it, and returns a public URL. name is
	// a hint for the object's filename/content-type; it does not affect
	// the content address.
	Upload(ctx context.Context, name string, r io.Reader) (url string, err error)
}

// HTTPStore uploads to a real Blob Store over HTTP PUT to a
// content-addressed path, retrying transient failures the same way
// pkg/store does.
type HTTPStore struct {
	BaseURL string
	Token   string

	httpClient *pester.Client
}

// NewHTTPStore constructs a Blob Store client against baseURL.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	c := pester.New()
	c.MaxRetries = 5
	c.Backoff = pester.ExponentialBackoff

	return &HTTPStore{BaseURL: baseURL, Token: token, httpClient: c}
}

// Upload reads r fully (so its sha256 can address the object), then PUTs it
// to BaseURL/<hash>/<name>.
func (s *HTTPStore) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "couldn't read blob content")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := "/" + hash + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "couldn't build blob upload request")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "blob upload failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Errorf("blob store returned %d: %s", resp.StatusCode, string(body))
	}

	return s.BaseURL + path, nil
}
