// Package node defines the Node type: the sole persistent entity tracked by
// the engine. A Node carries enough state to describe its position in the
// checkout->build->suite->case tree, its lifecycle state, and its terminal
// result, without ever being responsible for its own persistence.
package node

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of work a Node represents.
type Kind string

const (
	KindCheckout   Kind = "checkout"
	KindKbuild     Kind = "kbuild"
	KindJob        Kind = "job"
	KindTest       Kind = "test"
	KindProcess    Kind = "process"
	KindRegression Kind = "regression"
)

// State is a Node's lifecycle state. States only ever advance in the
// sequence Running -> Available -> Closing -> Done, or directly
// Running -> Done; they never regress (spec invariant 1).
type State string

const (
	StateRunning   State = "running"
	StateAvailable State = "available"
	StateClosing   State = "closing"
	StateDone      State = "done"
)

// Result is a terminal Node's outcome. Nil/empty on non-terminal Nodes.
type Result string

const (
	ResultPass       Result = "pass"
	ResultFail       Result = "fail"
	ResultSkip       Result = "skip"
	ResultIncomplete Result = "incomplete"
)

// stateOrder gives each state a rank so Advance can refuse regressions.
var stateOrder = map[State]int{
	StateRunning:   0,
	StateAvailable: 1,
	StateClosing:   2,
	StateDone:      3,
}

// KernelRevision describes the (tree, branch, commit) that a checkout, and
// everything beneath it in the tree, was built from.
type KernelRevision struct {
	Tree     string `json:"tree"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit"`
	URL      string `json:"url"`
	Describe string `json:"describe,omitempty"`
}

// Data holds the structured attributes attached to a Node. Most fields are
// only meaningful for certain Kinds; see spec.md §3.
type Data struct {
	KernelRevision *KernelRevision `json:"kernel_revision,omitempty"`

	Arch         string   `json:"arch,omitempty"`
	Compiler     string   `json:"compiler,omitempty"`
	Defconfig    string   `json:"defconfig,omitempty"`
	ConfigFull   string   `json:"config_full,omitempty"`
	Fragments    []string `json:"fragments,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Device       string   `json:"device,omitempty"`
	Runtime      string   `json:"runtime,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMsg     string   `json:"error_msg,omitempty"`
	RegressionOf string   `json:"regression_of,omitempty"`

	RetryCounter int `json:"retry_counter"`

	ProcessedByReporting bool `json:"processed_by_reporting"`

	// ExternalJobID is set by runtime adapters that dispatch asynchronously
	// (LAVA, pull labs) so the Callback ingestor can locate the Node again.
	ExternalJobID string `json:"external_job_id,omitempty"`
}

// Node is the sole persistent entity in the engine.
type Node struct {
	ID     string `json:"id,omitempty"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Path   []string `json:"path"`
	Parent string `json:"parent,omitempty"`
	Group  string `json:"group,omitempty"`

	State  State  `json:"state"`
	Result Result `json:"result,omitempty"`

	Data      Data              `json:"data"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	Created time.Time `json:"created,omitempty"`
	Updated time.Time `json:"updated,omitempty"`

	Timeout *time.Time `json:"timeout,omitempty"`
	Holdoff *time.Time `json:"holdoff,omitempty"`

	Jobfilter []string `json:"jobfilter,omitempty"`

	Owner      string   `json:"owner,omitempty"`
	Submitter  string   `json:"submitter,omitempty"`
	UserGroups []string `json:"user_groups,omitempty"`
	TreeID     string   `json:"treeid,omitempty"`
}

// New constructs a Node ready to be created in the State Store: state
// running, result unset, path derived from the parent's path plus name.
// Only checkout and regression Nodes may have a nil parent (invariant 3):
// a checkout is the root of a tree, and a regression Node records a
// fingerprint-keyed pass→fail transition that stands outside the checkout
// tree it was detected from.
func New(kind Kind, name string, parent *Node) (Node, error) {
	if parent == nil && kind != KindCheckout && kind != KindRegression {
		return Node{}, fmt.Errorf("node: only a %q or %q may have a nil parent, got %q", KindCheckout, KindRegression, kind)
	}
	if parent != nil && kind == KindCheckout {
		return Node{}, fmt.Errorf("node: a %q must have a nil parent", KindCheckout)
	}

	n := Node{
		Kind:  kind,
		Name:  name,
		State: StateRunning,
	}

	if parent == nil {
		n.Path = []string{name}
		return n, nil
	}

	if !parent.CanAcceptChildren() {
		return Node{}, fmt.Errorf("node: parent %q in state %q cannot accept new children", parent.ID, parent.State)
	}

	n.Parent = parent.ID
	n.Group = parent.Group
	n.Path = append(append([]string(nil), parent.Path...), name)
	n.Owner = parent.Owner
	n.Submitter = parent.Submitter
	n.UserGroups = parent.UserGroups
	n.TreeID = parent.TreeID
	n.Data = Data{
		KernelRevision: parent.Data.KernelRevision,
		Arch:           parent.Data.Arch,
		Compiler:       parent.Data.Compiler,
		Defconfig:      parent.Data.Defconfig,
		ConfigFull:     parent.Data.ConfigFull,
		Fragments:      parent.Data.Fragments,
		Platform:       parent.Data.Platform,
	}

	return n, nil
}

// CanAcceptChildren reports whether new children may be created with this
// Node as parent (invariant 2): only running or available Nodes accept
// children; a closing Node rejects them outright.
func (n *Node) CanAcceptChildren() bool {
	return n.State == StateRunning || n.State == StateAvailable
}

// IsTerminal reports whether the Node has reached its final state.
func (n *Node) IsTerminal() bool {
	return n.State == StateDone
}

// Advance transitions the Node to newState, refusing any transition that
// would regress the monotone sequence running -> available -> closing ->
// done (invariant 1). Advancing to done additionally requires result to be
// one of the four terminal values and, once done, result is immutable
// (invariant 5).
func (n *Node) Advance(newState State, result Result) error {
	oldRank, ok := stateOrder[n.State]
	if !ok {
		return fmt.Errorf("node: unknown current state %q", n.State)
	}
	newRank, ok := stateOrder[newState]
	if !ok {
		return fmt.Errorf("node: unknown target state %q", newState)
	}

	if n.State == StateDone {
		return fmt.Errorf("node: %q is already done, result is immutable", n.ID)
	}
	if newRank < oldRank {
		return fmt.Errorf("node: illegal transition %q -> %q", n.State, newState)
	}

	if newState == StateDone {
		switch result {
		case ResultPass, ResultFail, ResultSkip, ResultIncomplete:
		default:
			return fmt.Errorf("node: %q is not a valid terminal result", result)
		}
		n.Result = result
	}

	n.State = newState
	return nil
}

// SetHoldoff sets the holdoff deadline. Per invariant 4 this must only be
// called the first time a Node enters the available state; calling it a
// second time is a programming error the caller must avoid (this helper
// enforces it defensively).
func (n *Node) SetHoldoff(at time.Time) error {
	if n.Holdoff != nil {
		return fmt.Errorf("node: holdoff already set for %q", n.ID)
	}
	n.Holdoff = &at
	return nil
}

// Fingerprint identifies the logical job this Node represents, independent
// of retries, for regression detection (§4.7) and `frequency` rule
// evaluation (§4.3).
type Fingerprint struct {
	Tree       string
	Branch     string
	Name       string
	Arch       string
	ConfigFull string
	Compiler   string
	Platform   string
}

// Fingerprint computes the Node's fingerprint tuple.
func (n *Node) Fingerprint() Fingerprint {
	fp := Fingerprint{
		Name:       n.Name,
		Arch:       n.Data.Arch,
		ConfigFull: n.Data.ConfigFull,
		Compiler:   n.Data.Compiler,
		Platform:   n.Data.Platform,
	}
	if n.Data.KernelRevision != nil {
		fp.Tree = n.Data.KernelRevision.Tree
		fp.Branch = n.Data.KernelRevision.Branch
	}
	return fp
}

// String renders the fingerprint as a stable map key.
func (f Fingerprint) String() string {
	return strings.Join([]string{f.Tree, f.Branch, f.Name, f.Arch, f.ConfigFull, f.Compiler, f.Platform}, "/")
}

// PathString joins Path with "/" for logging and querying.
func (n *Node) PathString() string {
	return strings.Join(n.Path, "/")
}

// MatchesJobfilter reports whether name is eligible given the Node's
// jobfilter. An empty jobfilter means "all eligible jobs" (§4.3).
func (n *Node) MatchesJobfilter(name string) bool {
	if len(n.Jobfilter) == 0 {
		return true
	}
	for _, pattern := range n.Jobfilter {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob supports a single trailing "*" wildcard, the only glob form the
// job-name filter grammar needs.
func matchGlob(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
