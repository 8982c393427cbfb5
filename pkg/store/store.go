// Package store is the engine's client for the State Store: the REST CRUD
// collaborator that is the single source of truth for every Node (spec.md
// §2, §6). No service holds authoritative Node state in memory; every
// transition is a write here, and every write that succeeds produces an
// Event Bus notification (handled server-side, not by this package).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"

	"github.com/kernelci/kernelci-pipeline/pkg/node"
)

// ErrPrecondition is returned when a compare-and-swap write loses the race
// against a concurrent writer (spec.md §5): "each write carries the
// expected prior state; conflicting writes fail and the loser re-reads and
// reconciles".
var ErrPrecondition = errors.New("store: precondition failed, node was updated concurrently")

// ErrNotFound is returned when a Node lookup finds nothing.
var ErrNotFound = errors.New("store: node not found")

// Client is the interface every service depends on for Node persistence.
// Defining it as an interface (rather than depending on *HTTPClient
// directly) lets package tests inject an in-memory fake instead of talking
// to a real State Store.
type Client interface {
	Get(ctx context.Context, id string) (node.Node, error)
	Create(ctx context.Context, n node.Node) (node.Node, error)
	// Update performs a compare-and-swap write: expectState is the state
	// the caller last observed the Node in. If the State Store's current
	// value of n.State differs, the write fails with ErrPrecondition and
	// the caller must re-read and reconcile (spec.md §5).
	Update(ctx context.Context, n node.Node, expectState node.State) (node.Node, error)
	// List runs a field-operator query (e.g. "data.kernel_revision.tree",
	// "=", "mainline") returning every matching Node.
	List(ctx context.Context, q Query) ([]node.Node, error)
}

// Query is a list-query builder matching the field-operator suffix grammar
// of spec.md §6 (__gt, __lt, __re, __ne) plus dotted paths such as
// "data.kernel_revision.tree".
type Query struct {
	filters []filter
	limit   int
}

type filter struct {
	field string
	op    string
	value string
}

// NewQuery starts an empty Query.
func NewQuery() Query { return Query{} }

// Eq adds an equality filter on field.
func (q Query) Eq(field, value string) Query { return q.add(field, "", value) }

// Gt adds a "field__gt" filter.
func (q Query) Gt(field, value string) Query { return q.add(field, "gt", value) }

// Lt adds a "field__lt" filter.
func (q Query) Lt(field, value string) Query { return q.add(field, "lt", value) }

// Re adds a "field__re" (regex) filter.
func (q Query) Re(field, value string) Query { return q.add(field, "re", value) }

// Ne adds a "field__ne" filter.
func (q Query) Ne(field, value string) Query { return q.add(field, "ne", value) }

// Limit caps the number of results returned.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

func (q Query) add(field, op, value string) Query {
	q.filters = append(q.filters, filter{field: field, op: op, value: value})
	return q
}

func (q Query) encode() string {
	v := url.Values{}
	for _, f := range q.filters {
		key := f.field
		if f.op != "" {
			key = f.field + "__" + f.op
		}
		v.Add(key, f.value)
	}
	if q.limit > 0 {
		v.Set("limit", fmt.Sprintf("%d", q.limit))
	}
	return v.Encode()
}

// HTTPClient talks to a real State Store over REST. Transport retries
// transient failures (network errors, 5xx) with pester's bounded
// exponential backoff, matching spec.md §7 ("Transient upstream ... retried
// indefinitely with bounded exponential backoff; never surfaces to a
// Node") for the purposes of a single call; callers are still responsible
// for retrying the call itself if it ultimately times out.
type HTTPClient struct {
	BaseURL string
	Token   string

	httpClient *pester.Client
}

// NewHTTPClient constructs a State Store client against baseURL, using
// token for bearer authentication if non-empty.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	c := pester.New()
	c.MaxRetries = 5
	c.Backoff = pester.ExponentialBackoff
	c.Timeout = 60 * time.Second

	return &HTTPClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		httpClient: c,
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't build state store request")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Get fetches a single Node by id.
func (c *HTTPClient) Get(ctx context.Context, id string) (node.Node, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id), nil)
	if err != nil {
		return node.Node{}, err
	}

	var n node.Node
	err = c.do(req, &n)
	return n, err
}

// Create creates a new Node, returning it with its store-assigned id and
// timestamps filled in.
func (c *HTTPClient) Create(ctx context.Context, n node.Node) (node.Node, error) {
	buf, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, errors.Wrap(err, "couldn't encode node")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/nodes", bytes.NewReader(buf))
	if err != nil {
		return node.Node{}, err
	}

	var created node.Node
	err = c.do(req, &created)
	return created, err
}

// Update writes n back with an If-Match-style precondition on expectState.
func (c *HTTPClient) Update(ctx context.Context, n node.Node, expectState node.State) (node.Node, error) {
	buf, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, errors.Wrap(err, "couldn't encode node")
	}

	req, err := c.newRequest(ctx, http.MethodPatch, "/nodes/"+url.PathEscape(n.ID), bytes.NewReader(buf))
	if err != nil {
		return node.Node{}, err
	}
	req.Header.Set("If-Match", string(expectState))

	var updated node.Node
	err = c.do(req, &updated)
	return updated, err
}

// List runs q against the State Store.
func (c *HTTPClient) List(ctx context.Context, q Query) ([]node.Node, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/nodes?"+q.encode(), nil)
	if err != nil {
		return nil, err
	}

	var nodes []node.Node
	err = c.do(req, &nodes)
	return nodes, err
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "state store request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusPreconditionFailed, http.StatusConflict:
		return ErrPrecondition
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("state store returned %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "couldn't decode state store response")
}
