package tarball

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/durationfmt"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

// Mirror checks out (tree, branch, commit) on disk under workDir. It shells
// out to git the way a real CI worker does; tests inject a fake that just
// returns a fixed describe string or error, the same pattern as the teacher's command runner
// abstractions elsewhere in the pack.
type Mirror interface {
	Update(ctx context.Context, workDir, url, branch, commit string) (describe string, err error)
}

// GitMirror is the real Mirror, invoking git directly.
type GitMirror struct{}

// Update clones or fetches url into workDir, checks out commit, and
// resolves `git describe`.
func (GitMirror) Update(ctx context.Context, workDir, url, branch, commit string) (string, error) {
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err != nil {
		if err := run(ctx, workDir, "", "git", "clone", "--branch", branch, url, "."); err != nil {
			return "", errors.Wrap(err, "git clone failed")
		}
	} else {
		if err := run(ctx, workDir, "", "git", "fetch", "origin", branch); err != nil {
			return "", errors.Wrap(err, "git fetch failed")
		}
	}

	if err := run(ctx, workDir, "", "git", "checkout", commit); err != nil {
		return "", errors.Wrap(err, "git checkout failed")
	}

	out, err := exec.CommandContext(ctx, "git", "-C", workDir, "describe", "--always").Output()
	if err != nil {
		return "", errors.Wrap(err, "git describe failed")
	}
	return trimNewline(string(out)), nil
}

func run(ctx context.Context, dir, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Service mirrors trees, packages them into a source tarball, and uploads
// the tarball to the Blob Store, moving each checkout Node from running to
// available (or, on a mirror failure, straight to done/fail; spec.md §4.2).
type Service struct {
	Store  store.Client
	Blob   blob.Store
	Mirror Mirror
	Config *config.Config

	// WorkRoot is the base directory under which per-tree mirrors live.
	WorkRoot string

	// locks serializes access to a given tree's mirror directory: "one
	// worker per tree" (spec.md §5) so two concurrent checkouts of the same
	// tree never race on the same working copy.
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	nowFn  func() time.Time
}

// NewService constructs a Tarball service.
func NewService(s store.Client, b blob.Store, m Mirror, cfg *config.Config, workRoot string) *Service {
	return &Service{
		Store:    s,
		Blob:     b,
		Mirror:   m,
		Config:   cfg,
		WorkRoot: workRoot,
		locks:    make(map[string]*sync.Mutex),
		nowFn:    time.Now,
	}
}

func (svc *Service) treeLock(treeID string) *sync.Mutex {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	l, ok := svc.locks[treeID]
	if !ok {
		l = &sync.Mutex{}
		svc.locks[treeID] = l
	}
	return l
}

// Process mirrors the checkout Node's revision, tars it up, uploads it, and
// advances the Node to available with a holdoff. A mirror failure is
// terminal for the checkout: it transitions straight to done/fail, the sole
// way a checkout becomes fail (spec.md §4.2). An upload failure leaves the
// Node running and untouched and returns the error; Process does not retry
// the upload, and neither does cmd/tarball, which only logs it.
func (svc *Service) Process(ctx context.Context, n node.Node) (node.Node, error) {
	if n.Kind != node.KindCheckout {
		return n, errors.Errorf("tarball: node %q is not a checkout", n.ID)
	}
	rev := n.Data.KernelRevision
	if rev == nil {
		return n, errors.Errorf("tarball: checkout %q has no kernel_revision", n.ID)
	}

	lock := svc.treeLock(n.TreeID)
	lock.Lock()
	defer lock.Unlock()

	workDir := filepath.Join(svc.WorkRoot, sanitize(n.TreeID))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return n, errors.Wrap(err, "tarball: preparing mirror directory")
	}

	describe, err := svc.Mirror.Update(ctx, workDir, rev.URL, rev.Branch, rev.Commit)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"tree": rev.Tree, "branch": rev.Branch, "commit": rev.Commit}).
			Error("tarball: mirror update failed, failing checkout")
		if advErr := n.Advance(node.StateDone, node.ResultFail); advErr != nil {
			return n, errors.Wrap(advErr, "tarball: failing checkout")
		}
		n.Data.ErrorMsg = err.Error()
		return svc.Store.Update(ctx, n, node.StateRunning)
	}

	archivePath := filepath.Join(svc.WorkRoot, sanitize(n.ID)+".tar.gz")
	if err := DirToTarball(workDir, archivePath); err != nil {
		return n, errors.Wrap(err, "tarball: packaging source tree")
	}
	defer os.Remove(archivePath)

	f, err := os.Open(archivePath)
	if err != nil {
		return n, errors.Wrap(err, "tarball: reopening archive for upload")
	}
	defer f.Close()

	url, err := svc.Blob.Upload(ctx, n.ID+".tar.gz", f)
	if err != nil {
		// The Node stays running untouched; the upload is not retried
		// here.
		return n, errors.Wrap(err, "tarball: uploading archive")
	}

	n.Data.KernelRevision.Describe = describe
	if n.Artifacts == nil {
		n.Artifacts = map[string]string{}
	}
	n.Artifacts["tarball"] = url

	if err := n.Advance(node.StateAvailable, ""); err != nil {
		return n, errors.Wrap(err, "tarball: advancing checkout to available")
	}

	holdoff, err := durationfmt.Parse(svc.Config.Aggregation.DefaultHoldoff)
	if err != nil {
		return n, errors.Wrap(err, "tarball: invalid default_holdoff")
	}
	if err := n.SetHoldoff(svc.now().Add(holdoff)); err != nil {
		return n, errors.Wrap(err, "tarball: setting holdoff")
	}

	updated, err := svc.Store.Update(ctx, n, node.StateRunning)
	if err != nil {
		return n, errors.Wrap(err, "tarball: persisting checkout")
	}

	logrus.WithFields(logrus.Fields{"id": updated.ID, "tree": rev.Tree, "describe": describe}).
		Info("tarball: checkout ready")
	return updated, nil
}

func (svc *Service) now() time.Time {
	if svc.nowFn != nil {
		return svc.nowFn()
	}
	return time.Now()
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
