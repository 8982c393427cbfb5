package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckoutRequiresNilParent(t *testing.T) {
	n, err := New(KindCheckout, "checkout", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout"}, n.Path)
	assert.Equal(t, StateRunning, n.State)

	_, err = New(KindKbuild, "kbuild-gcc-12-arm64", nil)
	assert.Error(t, err, "non-checkout kinds must have a parent")
}

func TestNewChildInheritsRevisionAndPath(t *testing.T) {
	parent, err := New(KindCheckout, "checkout", nil)
	require.NoError(t, err)
	parent.ID = "abc123"
	parent.Data.KernelRevision = &KernelRevision{Tree: "mainline", Branch: "master", Commit: "deadbeef"}

	child, err := New(KindKbuild, "kbuild-gcc-12-arm64", &parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout", "kbuild-gcc-12-arm64"}, child.Path)
	assert.Equal(t, "abc123", child.Parent)
	assert.Equal(t, "mainline", child.Data.KernelRevision.Tree)

	_, err = New(KindKbuild, "kbuild", nil)
	assert.Error(t, err)
}

func TestNewChildRejectsClosingParent(t *testing.T) {
	parent, err := New(KindCheckout, "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Advance(StateAvailable, ""))
	require.NoError(t, parent.Advance(StateClosing, ""))

	_, err = New(KindKbuild, "kbuild", &parent)
	assert.Error(t, err, "a closing parent must reject new children (invariant 2)")
}

func TestAdvanceMonotone(t *testing.T) {
	n, _ := New(KindCheckout, "checkout", nil)

	require.NoError(t, n.Advance(StateAvailable, ""))
	require.NoError(t, n.Advance(StateClosing, ""))
	require.NoError(t, n.Advance(StateDone, ResultPass))

	err := n.Advance(StateRunning, "")
	assert.Error(t, err, "done must never regress")

	err = n.Advance(StateDone, ResultFail)
	assert.Error(t, err, "result must be immutable once done")
}

func TestAdvanceSkipToDoneFromRunning(t *testing.T) {
	n, _ := New(KindCheckout, "checkout", nil)
	require.NoError(t, n.Advance(StateDone, ResultFail))
	assert.Equal(t, StateDone, n.State)
	assert.Equal(t, ResultFail, n.Result)
}

func TestAdvanceRejectsBadResult(t *testing.T) {
	n, _ := New(KindCheckout, "checkout", nil)
	err := n.Advance(StateDone, Result("bogus"))
	assert.Error(t, err)
}

func TestSetHoldoffOnce(t *testing.T) {
	n, _ := New(KindCheckout, "checkout", nil)
	require.NoError(t, n.SetHoldoff(time.Now()))
	assert.Error(t, n.SetHoldoff(time.Now()), "holdoff must only be set once (invariant 4)")
}

func TestMatchesJobfilter(t *testing.T) {
	n, _ := New(KindCheckout, "checkout", nil)

	assert.True(t, n.MatchesJobfilter("anything"), "empty jobfilter means all jobs eligible")

	n.Jobfilter = []string{"kbuild-*", "baseline-arm64"}
	assert.True(t, n.MatchesJobfilter("kbuild-gcc-12-arm64"))
	assert.True(t, n.MatchesJobfilter("baseline-arm64"))
	assert.False(t, n.MatchesJobfilter("baseline-x86"))
}

func TestFingerprintString(t *testing.T) {
	n, _ := New(KindKbuild, "kbuild-gcc-12-arm64", nil)
	n.Data.KernelRevision = &KernelRevision{Tree: "mainline", Branch: "master"}
	n.Data.Arch = "arm64"

	fp := n.Fingerprint()
	assert.Equal(t, "mainline", fp.Tree)
	assert.Equal(t, "mainline/master/kbuild-gcc-12-arm64/arm64///", fp.String())
}
