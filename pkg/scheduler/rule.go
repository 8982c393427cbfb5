package scheduler

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
)

// eligible evaluates a job's rule predicate against the triggering Node's
// attributes (spec.md §4.3). It does not evaluate `frequency`, which needs
// a State Store lookup and is checked separately by the caller.
func eligible(rule config.Rule, tree, branch, arch, defconfig string, fragments []string, describe string) bool {
	if !evalTreeBranch(rule.Tree, tree, branch, tree) {
		return false
	}
	if !evalTreeBranch(rule.Branch, tree, branch, branch) {
		return false
	}
	if !evalSetMembership(rule.Arch, []string{arch}) {
		return false
	}
	if !evalSetMembership(rule.Defconfig, []string{defconfig}) {
		return false
	}
	if !evalSetMembership(rule.Fragments, fragments) {
		return false
	}
	if !evalVersionBounds(rule.MinVersion, rule.MaxVersion, describe) {
		return false
	}
	return true
}

// split partitions patterns into (positives, negatives), a "!"-prefixed
// entry denies, everything else allows.
func split(patterns []string) (positives, negatives []string) {
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			negatives = append(negatives, strings.TrimPrefix(p, "!"))
		} else {
			positives = append(positives, p)
		}
	}
	return positives, negatives
}

// evalSetMembership implements the base allow/deny grammar shared by
// `arch`, `defconfig` and `fragments`, applied across a set of actual
// values (e.g. a Node's fragments): eligible iff no negative entry is
// present in actual and, if any positive entries exist, at least one is
// present.
func evalSetMembership(patterns []string, actual []string) bool {
	if len(patterns) == 0 {
		return true
	}
	positives, negatives := split(patterns)
	for _, n := range negatives {
		if contains(actual, n) {
			return false
		}
	}
	if len(positives) == 0 {
		return true
	}
	for _, p := range positives {
		if contains(actual, p) {
			return true
		}
	}
	return false
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// evalTreeBranch implements the grammar shared by the `tree` and `branch`
// fields: an entry is either a bare name, compared with bare (the tree for
// `tree`, the branch for `branch`), or a "tree:branch" compound that must
// match both.
func evalTreeBranch(patterns []string, tree, branch, bare string) bool {
	if len(patterns) == 0 {
		return true
	}

	matches := func(pattern string) bool {
		if idx := strings.IndexByte(pattern, ':'); idx >= 0 {
			return pattern[:idx] == tree && pattern[idx+1:] == branch
		}
		return pattern == bare
	}

	positives, negatives := split(patterns)
	for _, n := range negatives {
		if matches(n) {
			return false
		}
	}
	if len(positives) == 0 {
		return true
	}
	for _, p := range positives {
		if matches(p) {
			return true
		}
	}
	return false
}

// evalVersionBounds checks describe (the checkout's `git describe` output)
// against the job's inclusive min/max version bounds using go-version, the
// same library sonobuoy uses to compare cluster versions against its own
// supported range. A describe string that doesn't parse as a version (or an
// empty bound) is treated as satisfying that bound: the rule only narrows
// eligibility when it can be evaluated with confidence.
func evalVersionBounds(minVersion, maxVersion, describe string) bool {
	if minVersion == "" && maxVersion == "" {
		return true
	}

	v, err := goversion.NewVersion(normalizeVersion(describe))
	if err != nil {
		logrus.WithField("describe", describe).Debug("scheduler: describe string isn't a parseable version, skipping min/max_version check")
		return true
	}

	if minVersion != "" {
		min, err := goversion.NewVersion(normalizeVersion(minVersion))
		if err == nil && v.LessThan(min) {
			return false
		}
	}
	if maxVersion != "" {
		max, err := goversion.NewVersion(normalizeVersion(maxVersion))
		if err == nil && v.GreaterThan(max) {
			return false
		}
	}
	return true
}

func normalizeVersion(s string) string {
	return strings.TrimPrefix(s, "v")
}
