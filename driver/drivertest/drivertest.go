// Package drivertest provides an in-memory driver that records calls.
package drivertest

import (
	"context"
	"sync"

	"github.com/UniQw/edgepurge/driver"
)

// Driver records every purge call. Errors set with Fail* are returned
// until cleared with nil.
type Driver struct {
	mu       sync.Mutex
	max      int
	urlCalls [][]string
	tagCalls [][]string
	allCalls int
	urlErr   error
	tagErr   error
	allErr   error
	// Block, when set, is called at the start of every purge call.
	Block func(ctx context.Context) error
}

var _ driver.Driver = (*Driver)(nil)

// New returns a recorder that advertises maxURLs per request.
func New(maxURLs int) *Driver { return &Driver{max: maxURLs} }

func (d *Driver) Name() string { return "recorder" }

func (d *Driver) MaxURLsPerRequest() int { return d.max }

func (d *Driver) PurgeByURLs(ctx context.Context, urls []string) error {
	if err := d.block(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urlCalls = append(d.urlCalls, append([]string(nil), urls...))
	return d.urlErr
}

func (d *Driver) PurgeAll(ctx context.Context) error {
	if err := d.block(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allCalls++
	return d.allErr
}

func (d *Driver) block(ctx context.Context) error {
	if d.Block == nil {
		return nil
	}
	return d.Block(ctx)
}

func (d *Driver) FailURLs(err error) { d.mu.Lock(); d.urlErr = err; d.mu.Unlock() }
func (d *Driver) FailTags(err error) { d.mu.Lock(); d.tagErr = err; d.mu.Unlock() }
func (d *Driver) FailAll(err error)  { d.mu.Lock(); d.allErr = err; d.mu.Unlock() }

// URLCalls returns a copy of every PurgeByURLs batch.
func (d *Driver) URLCalls() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.urlCalls...)
}

// TagCalls returns a copy of every PurgeByTags batch.
func (d *Driver) TagCalls() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.tagCalls...)
}

// PurgeAllCalls returns how many times PurgeAll ran.
func (d *Driver) PurgeAllCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allCalls
}

// PurgedURLs returns every URL sent, in call order.
func (d *Driver) PurgedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.urlCalls {
		out = append(out, c...)
	}
	return out
}

// TagDriver is a Driver that also purges by tag.
type TagDriver struct {
	*Driver
}

var _ driver.TagPurger = (*TagDriver)(nil)

// NewWithTags returns a recorder implementing driver.TagPurger.
func NewWithTags(maxURLs int) *TagDriver { return &TagDriver{Driver: New(maxURLs)} }

func (d *TagDriver) PurgeByTags(ctx context.Context, tags []string) error {
	if err := d.block(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagCalls = append(d.tagCalls, append([]string(nil), tags...))
	return d.tagErr
}
