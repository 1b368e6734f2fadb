// Package resolver expands a content entity into every URL whose cached
// copy goes stale when the entity changes.
package resolver

import (
	"context"
	"fmt"
)

// Resolver computes PurgeObjects. It is safe for concurrent use when its
// collaborators are.
type Resolver struct {
	entities        Entities
	links           Permalinks
	pages           PageCounter
	hooks           *Hooks
	maxPages        int
	defaultPostType string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPageCounter sets the archive pagination source. Default: StaticPages(1).
func WithPageCounter(pc PageCounter) Option {
	return func(r *Resolver) {
		if pc != nil {
			r.pages = pc
		}
	}
}

// WithHooks sets the per-type URL hooks.
func WithHooks(h *Hooks) Option {
	return func(r *Resolver) { r.hooks = h }
}

// WithMaxPages caps how many pages of one archive are purged. 0 means no cap.
func WithMaxPages(n int) Option {
	return func(r *Resolver) {
		if n >= 0 {
			r.maxPages = n
		}
	}
}

// WithDefaultPostType overrides DefaultPostType.
func WithDefaultPostType(t string) Option {
	return func(r *Resolver) {
		if t != "" {
			r.defaultPostType = t
		}
	}
}

// New creates a Resolver.
func New(entities Entities, links Permalinks, opts ...Option) *Resolver {
	r := &Resolver{
		entities:        entities,
		links:           links,
		pages:           StaticPages(1),
		maxPages:        50,
		defaultPostType: DefaultPostType,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve loads the entity and collects its URLs. A missing entity or a
// revision yields Success=false and no URLs without touching pagination.
// Lookup failures are returned as errors so the caller can retry.
func (r *Resolver) Resolve(ctx context.Context, id int64, t ObjectType, extra Extra) (*PurgeObject, error) {
	obj := newPurgeObject(id, t)
	var entity Entity

	switch t {
	case TypePost:
		p, found, err := r.entities.Post(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load post %d: %w", id, err)
		}
		if !found || p.IsRevision {
			return obj, nil
		}
		obj.Success = true
		obj.Add(r.links.Post(p))
		obj.Add(r.links.FrontPage())
		if err := r.addPaged(ctx, obj, r.links.PostTypeArchive(p.Type)); err != nil {
			return nil, err
		}
		if err := r.addPaged(ctx, obj, r.links.AuthorArchive(p)); err != nil {
			return nil, err
		}
		for _, term := range p.Terms {
			if err := r.addPaged(ctx, obj, r.links.Term(term)); err != nil {
				return nil, err
			}
		}
		if p.Type == r.defaultPostType && !p.Published.IsZero() {
			for _, u := range r.links.DateArchives(p.Published) {
				if err := r.addPaged(ctx, obj, u); err != nil {
					return nil, err
				}
			}
		}
		entity.Post = &p

	case TypeTerm:
		term, found, err := r.entities.Term(ctx, id, extra.Taxonomy)
		if err != nil {
			return nil, fmt.Errorf("load term %d: %w", id, err)
		}
		if !found {
			return obj, nil
		}
		obj.Success = true
		link := r.links.Term(term)
		obj.Add(link)
		obj.Add(r.links.FrontPage())
		if err := r.addPaged(ctx, obj, link); err != nil {
			return nil, err
		}
		entity.Term = &term

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := r.hooks.Run(ctx, obj, entity); err != nil {
		return nil, fmt.Errorf("hooks for %s %d: %w", t, id, err)
	}
	return obj, nil
}

// addPaged adds url and its pages 2..n.
func (r *Resolver) addPaged(ctx context.Context, obj *PurgeObject, url string) error {
	if url == "" {
		return nil
	}
	n, err := r.pages.Pages(ctx, url)
	if err != nil {
		return fmt.Errorf("count pages of %s: %w", url, err)
	}
	if r.maxPages > 0 && n > r.maxPages {
		n = r.maxPages
	}
	obj.Add(url)
	for page := 2; page <= n; page++ {
		obj.Add(r.links.Paginate(url, page))
	}
	return nil
}
