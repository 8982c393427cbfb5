package blob

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Store used by package tests across the repo.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
	n       int
}

// NewFake constructs an empty in-memory blob store.
func NewFake() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

// Upload stores r's content under a synthetic URL and returns it. Each
// call gets a new sequence-numbered URL: identical content is not
// deduplicated.
func (f *Fake) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	url := fmt.Sprintf("fake://blob/%d/%s", f.n, name)
	f.objects[url] = data
	return url, nil
}

// Get returns the content previously uploaded to url.
func (f *Fake) Get(url string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[url]
	return b, ok
}
