// Package driver defines the cache purge provider contract and helpers
// shared by provider implementations.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Driver purges cached objects at one CDN provider.
type Driver interface {
	Name() string
	// MaxURLsPerRequest is the provider's per-call URL limit.
	MaxURLsPerRequest() int
	PurgeByURLs(ctx context.Context, urls []string) error
	PurgeAll(ctx context.Context) error
}

// TagPurger is implemented by drivers that can purge by cache tag.
type TagPurger interface {
	PurgeByTags(ctx context.Context, tags []string) error
}

// SupportsTags returns d as a TagPurger when it implements one.
func SupportsTags(d Driver) (TagPurger, bool) {
	tp, ok := d.(TagPurger)
	return tp, ok
}

// HTTPDoer sends HTTP requests; *http.Client satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Error describes a failed provider call.
type Error struct {
	Driver     string
	Op         string
	StatusCode int
	// Permanent marks failures retrying cannot fix (bad credentials, bad zone).
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("driver %s: %s: status %d: %v", e.Driver, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("driver %s: %s: %v", e.Driver, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent *Error.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Permanent
}

// PermanentStatus reports whether an HTTP status will not improve on retry.
// 4xx is permanent except 408 and 429.
func PermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	return append(out, items)
}
