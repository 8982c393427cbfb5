// Package lava implements the LAVA lab Runtime adapter (spec.md §4.4):
// submit a YAML job definition carrying a callback stanza (target URL plus
// a token description, never the token value itself), record the lab's
// assigned job id on the Node, and never poll — completion arrives
// asynchronously through the Callback ingestor (pkg/callback).
package lava

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	"sigs.k8s.io/yaml"

	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

// jobDefinition is the subset of a LAVA job definition this adapter needs
// to populate: the rest comes from the job's rendered template (spec.md
// §9, delegated to an external collaborator).
type jobDefinition struct {
	JobName   string                 `json:"job_name"`
	Notify    notifyStanza           `json:"notify"`
	Params    map[string]string      `json:"context,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

type notifyStanza struct {
	Callback callbackStanza `json:"callback"`
}

type callbackStanza struct {
	URL                string `json:"url"`
	TokenDescription   string `json:"token"`
	Method             string `json:"method"`
	ContentType        string `json:"content_type"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Adapter submits job definitions to a LAVA lab's XML-RPC-over-HTTP-ish
// REST submission endpoint (modeled here as a plain JSON POST, since the
// wire protocol itself is an external collaborator per spec.md §6).
type Adapter struct {
	LabURL              string
	CallbackURL         string
	CallbackDescription string
	Token               string

	httpClient *pester.Client
}

// New constructs a LAVA Adapter. callbackURL is this engine's own
// Callback-ingestor endpoint for the "lava" runtime; callbackDescription
// is the public, non-secret description embedded in the outgoing job
// (spec.md §4.5: distinct from the secret value configured per runtime).
func New(labURL, callbackURL, callbackDescription, token string) *Adapter {
	c := pester.New()
	c.MaxRetries = 5
	c.Backoff = pester.ExponentialBackoff
	c.Timeout = runtime.DefaultHTTPTimeout

	return &Adapter{
		LabURL:              labURL,
		CallbackURL:         callbackURL,
		CallbackDescription: callbackDescription,
		Token:               token,
		httpClient:          c,
	}
}

// Submit renders a job definition with a callback stanza pointing back at
// this engine and posts it to the lab. The returned Handle is the lab's
// external job id, which Submit also records via the caller's Node update
// (pkg/runtime.Pool); the Callback ingestor later looks the Node back up
// by this same id (spec.md §4.5).
func (a *Adapter) Submit(ctx context.Context, job runtime.Job) (runtime.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	def := jobDefinition{
		JobName: job.Definition.Name,
		Notify: notifyStanza{Callback: callbackStanza{
			URL:              a.CallbackURL,
			TokenDescription: a.CallbackDescription,
			Method:           http.MethodPost,
			ContentType:      "application/json",
		}},
		Params: job.Params,
	}

	body, err := yaml.Marshal(def)
	if err != nil {
		return "", errors.Wrap(err, "lava: rendering job definition")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.LabURL+"/api/v0.2/jobs/", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "lava: building submission request")
	}
	req.Header.Set("Content-Type", "application/yaml")
	if a.Token != "" {
		req.Header.Set("Authorization", "Token "+a.Token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "lava: submission request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("lava: lab returned %d submitting job", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(err, "lava: decoding submission response")
	}

	return runtime.Handle(parsed.JobID), nil
}

// Poll always returns ErrNotPollable: LAVA jobs complete only via callback
// (spec.md §4.4).
func (a *Adapter) Poll(_ context.Context, _ runtime.Handle) (runtime.Status, error) {
	return runtime.Status{}, runtime.ErrNotPollable
}

// Cancel best-effort cancels the lab job.
func (a *Adapter) Cancel(ctx context.Context, handle runtime.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.LabURL+"/api/v0.2/jobs/"+string(handle)+"/cancel/", nil)
	if err != nil {
		return errors.Wrap(err, "lava: building cancel request")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Token "+a.Token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "lava: cancel request failed")
	}
	defer resp.Body.Close()
	return nil
}

var _ runtime.Adapter = (*Adapter)(nil)

// submitTimeout bounds how long a single submission may take (spec.md §5).
const submitTimeout = 30 * time.Minute
