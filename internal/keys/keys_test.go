package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	q := "urls:1"
	assert.Equal(t, "edgepurge:{urls:1}:item:abc", Item(q, "abc"))
	assert.Equal(t, "edgepurge:{urls:1}:children:objects:1:p1", Children(q, "objects:1", "p1"))
	assert.Equal(t, "edgepurge:{objects:1}:childq:p1", ChildQueues("objects:1", "p1"))
}

func TestKeys_For(t *testing.T) {
	q := For("objects:2")
	assert.Equal(t, "objects:2", q.Name)
	assert.Equal(t, "edgepurge:{objects:2}:pending", q.Pending)
	assert.Equal(t, "edgepurge:{objects:2}:reserved", q.Reserved)
	assert.Equal(t, "edgepurge:{objects:2}:completed", q.Completed)
	assert.Equal(t, "edgepurge:{objects:2}:failed", q.Failed)
	assert.Equal(t, "edgepurge:{objects:2}:fp", q.Fingerprints)
	assert.Equal(t, "edgepurge:{objects:2}:seq", q.Seq)
	assert.Equal(t, "edgepurge:{objects:2}:lock", q.Lock)
	assert.Equal(t, Item("objects:2", "x"), q.Item("x"))
	assert.Equal(t, ChildQueues("objects:2", "x"), q.ChildQPrefix+"x")
}
