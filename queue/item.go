package queue

import "time"

// Ref points at an item in a specific queue.
type Ref struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool { return r.Queue == "" && r.ID == "" }

// Item represents a unit of work held by a queue.
type Item struct {
	// ID is the unique identifier for the item. Immutable.
	ID string `json:"id"`
	// Queue is the name of the queue this item belongs to.
	Queue string `json:"queue"`
	// Payload is the raw JSON document stored with the item.
	Payload []byte `json:"payload"`
	// Fingerprint is the stable hash of Payload used for de-duplication.
	Fingerprint string `json:"fingerprint"`
	// ParentID and ParentQueue point at the item whose expansion produced this one.
	ParentID    string `json:"parent_id,omitempty"`
	ParentQueue string `json:"parent_queue,omitempty"`
	// State is the current lifecycle state.
	State State `json:"state"`
	// Attempts counts reservations. It only increases.
	Attempts int `json:"attempts"`
	// CreatedAt is when the item was first added.
	CreatedAt time.Time `json:"created_at"`
	// ReservedAt is when the item was last reserved; zero if never.
	ReservedAt time.Time `json:"reserved_at,omitempty"`
	// UpdatedAt is the last touch, including de-duplicated re-adds.
	UpdatedAt time.Time `json:"updated_at"`
	// SealedAt is set once no further children will be attached to the item.
	SealedAt time.Time `json:"sealed_at,omitempty"`
}

// Ref returns a reference to this item.
func (it *Item) Ref() Ref { return Ref{Queue: it.Queue, ID: it.ID} }

// Parent returns the parent reference, if any.
func (it *Item) Parent() (Ref, bool) {
	if it.ParentID == "" {
		return Ref{}, false
	}
	return Ref{Queue: it.ParentQueue, ID: it.ParentID}, true
}

// Finished reports whether the item reached a terminal state.
func (it *Item) Finished() bool { return it.State.Terminal() }

// Sealed reports whether the item's expansion has finished.
func (it *Item) Sealed() bool { return !it.SealedAt.IsZero() }

// Decode unmarshals the payload into v using the default codec.
func (it *Item) Decode(v any) error {
	return defaultCodec.Decode(it.Payload, v)
}

// IDs returns the ids of items in order.
func IDs(items []*Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
