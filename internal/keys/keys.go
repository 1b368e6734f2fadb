package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// Every key of a queue shares the `{queue}` hash tag so multi-key Lua
// scripts stay on one cluster slot.

// Item returns the HASH key holding the fields of a single item.
func Item(q, id string) string { return "edgepurge:{" + q + "}:item:" + id }

// Children is the SET of item ids in queue q that were produced by the
// given parent item.
func Children(q, parentQueue, parentID string) string {
	return "edgepurge:{" + q + "}:children:" + parentQueue + ":" + parentID
}

// ChildQueues is the SET of queue names holding children of an item of q.
func ChildQueues(q, id string) string { return "edgepurge:{" + q + "}:childq:" + id }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name         string
	Pending      string
	Reserved     string
	Completed    string
	Failed       string
	// Fingerprints is a HASH of payload fingerprint -> id for unfinished items.
	Fingerprints string
	Seq          string
	// Lock is the per-queue tick lock.
	Lock         string
	// ItemPrefix and ChildQPrefix are concatenated with an id inside Lua scripts.
	ItemPrefix   string
	ChildQPrefix string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "edgepurge:{" + q + "}:"
	return Queue{
		Name:         q,
		Pending:      prefix + "pending",
		Reserved:     prefix + "reserved",
		Completed:    prefix + "completed",
		Failed:       prefix + "failed",
		Fingerprints: prefix + "fp",
		Seq:          prefix + "seq",
		Lock:         prefix + "lock",
		ItemPrefix:   prefix + "item:",
		ChildQPrefix: prefix + "childq:",
	}
}

// Item returns the item key for id within this queue.
func (k Queue) Item(id string) string { return k.ItemPrefix + id }
