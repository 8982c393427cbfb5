package trigger

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// GitResolver resolves a branch's tip commit with `git ls-remote`, the
// same shell-out-to-git idiom as pkg/tarball's GitMirror, without needing
// a local clone just to learn whether a tree has moved.
type GitResolver struct{}

// ResolveTip runs `git ls-remote treeURL branch` and parses the first
// column of its single line of output as the tip commit hash.
func (GitResolver) ResolveTip(ctx context.Context, treeURL, branch string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "ls-remote", treeURL, branch).Output()
	if err != nil {
		return "", errors.Wrapf(err, "git ls-remote failed for %s %s", treeURL, branch)
	}

	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", errors.Errorf("git ls-remote returned no refs for %s %s", treeURL, branch)
	}

	fields := strings.Fields(strings.SplitN(line, "\n", 2)[0])
	if len(fields) == 0 {
		return "", errors.Errorf("git ls-remote returned malformed output for %s %s", treeURL, branch)
	}
	return fields[0], nil
}

var _ Resolver = GitResolver{}
