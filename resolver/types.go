package resolver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// ObjectType is the kind of content entity being purged.
type ObjectType string

const (
	TypePost ObjectType = "post"
	TypeTerm ObjectType = "term"
)

// DefaultPostType is the content type that also owns date archives.
const DefaultPostType = "post"

// ErrUnknownType is returned by Resolve for an ObjectType it cannot load.
var ErrUnknownType = errors.New("resolver: unknown object type")

// Post is the subset of a post the resolver needs.
type Post struct {
	ID         int64
	Type       string
	Slug       string
	Link       string
	AuthorID   int64
	AuthorSlug string
	Published  time.Time
	IsRevision bool
	Terms      []Term
}

// Term is a taxonomy term.
type Term struct {
	ID       int64
	Taxonomy string
	Slug     string
	Link     string
}

// Entity carries whichever entity was resolved to the hooks.
type Entity struct {
	Post *Post
	Term *Term
}

// Entities loads content entities. A missing entity is reported with
// found=false, not an error; err is reserved for lookup failures.
type Entities interface {
	Post(ctx context.Context, id int64) (Post, bool, error)
	Term(ctx context.Context, id int64, taxonomy string) (Term, bool, error)
}

// Permalinks builds public URLs. Methods return "" when the URL does not
// exist for the site (no front page, type without archive, ...).
type Permalinks interface {
	Post(p Post) string
	Term(t Term) string
	FrontPage() string
	PostTypeArchive(postType string) string
	AuthorArchive(p Post) string
	DateArchives(published time.Time) []string
	Paginate(url string, page int) string
}

// PageCounter reports how many pages an archive URL spans.
type PageCounter interface {
	Pages(ctx context.Context, url string) (int, error)
}

// HTTPDoer sends HTTP requests; *http.Client satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Extra carries per-type resolve arguments.
type Extra struct {
	Taxonomy string
}

// PurgeObject is the set of URLs affected by one entity.
type PurgeObject struct {
	ID   int64
	Type ObjectType
	// Success is false when the entity does not exist; the intent is dropped.
	Success bool
	urls    mapset.Set[string]
}

func newPurgeObject(id int64, t ObjectType) *PurgeObject {
	return &PurgeObject{ID: id, Type: t, urls: mapset.NewSet[string]()}
}

// NewPurgeObject returns a successful object holding urls, for Resolver
// implementations outside this package.
func NewPurgeObject(id int64, t ObjectType, urls ...string) *PurgeObject {
	o := newPurgeObject(id, t)
	o.Success = true
	o.Add(urls...)
	return o
}

// Add inserts urls, ignoring empty strings.
func (o *PurgeObject) Add(urls ...string) {
	if o.urls == nil {
		o.urls = mapset.NewSet[string]()
	}
	for _, u := range urls {
		if u != "" {
			o.urls.Add(u)
		}
	}
}

// Contains reports whether u is in the set.
func (o *PurgeObject) Contains(u string) bool { return o.urls != nil && o.urls.Contains(u) }

// Len returns the number of distinct URLs.
func (o *PurgeObject) Len() int {
	if o.urls == nil {
		return 0
	}
	return o.urls.Cardinality()
}

// URLs returns the URL set sorted.
func (o *PurgeObject) URLs() []string {
	if o.urls == nil {
		return nil
	}
	out := o.urls.ToSlice()
	sort.Strings(out)
	return out
}
