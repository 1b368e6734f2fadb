package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, s := range AllStates {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseState("active")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateReserved.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestFingerprint_StableForEqualMaps(t *testing.T) {
	enc := JSONCodec{}
	a, err := enc.Encode(map[string]any{"type": "post", "id": 1})
	require.NoError(t, err)
	b, err := enc.Encode(map[string]any{"id": 1, "type": "post"})
	require.NoError(t, err)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	require.Len(t, Fingerprint(a), 16)

	c, _ := enc.Encode(map[string]any{"type": "post", "id": 2})
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestOptions(t *testing.T) {
	o := BuildAddOptions(WithParent(Ref{Queue: "objects:1", ID: "x"}))
	require.Equal(t, Ref{Queue: "objects:1", ID: "x"}, o.Parent)
	require.True(t, BuildAddOptions().Parent.IsZero())

	require.True(t, BuildSelectOptions(SkipSealed()).SkipSealed)
	require.False(t, BuildSelectOptions().SkipSealed)
}

func TestItem_ParentAndRef(t *testing.T) {
	it := &Item{ID: "c", Queue: "urls:1"}
	_, ok := it.Parent()
	require.False(t, ok)
	it.ParentID, it.ParentQueue = "p", "objects:1"
	p, ok := it.Parent()
	require.True(t, ok)
	require.Equal(t, Ref{Queue: "objects:1", ID: "p"}, p)
	require.Equal(t, Ref{Queue: "urls:1", ID: "c"}, it.Ref())
	require.Equal(t, []string{"c"}, IDs([]*Item{it}))
}
