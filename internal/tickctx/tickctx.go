package tickctx

import "context"

// Stats tallies what one burst did. A burst runs on a single goroutine, so
// the counters are plain ints.
type Stats struct {
	Reserved   int `json:"reserved"`   // items reserved or re-taken
	Expanded   int `json:"expanded"`   // intents expanded into children
	Discarded  int `json:"discarded"`  // intents whose entity no longer exists
	Children   int `json:"children"`   // items enqueued by expansions
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Dispatched int `json:"dispatched"` // items confirmed by the driver
	DriverErrs int `json:"driver_errors"`
}

// New creates a zeroed tally.
func New() *Stats { return &Stats{} }

// Add folds o into s.
func (s *Stats) Add(o Stats) {
	s.Reserved += o.Reserved
	s.Expanded += o.Expanded
	s.Discarded += o.Discarded
	s.Children += o.Children
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Dispatched += o.Dispatched
	s.DriverErrs += o.DriverErrs
}

type ctxKey struct{}

// WithStats returns a child context carrying s.
func WithStats(parent context.Context, s *Stats) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the tally from context if present.
func From(ctx context.Context) (*Stats, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*Stats)
	return st, ok
}

// Get returns the tally carried by ctx, or a detached one that nobody reads.
func Get(ctx context.Context) *Stats {
	if st, ok := From(ctx); ok && st != nil {
		return st
	}
	return New()
}
