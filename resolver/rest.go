package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// RESTEntities loads posts and terms from a WordPress-style REST API
// (`/wp-json/wp/v2/...`). It is the stock Entities for deployments where the
// CMS is reachable over HTTP.
type RESTEntities struct {
	client  HTTPDoer
	base    string
	token   string
	timeout time.Duration
	// postTypes are the REST bases tried in order when loading a post.
	postTypes []string
}

// NewRESTEntities creates a client for the API rooted at base
// (e.g. https://example.com/wp-json/wp/v2). token, when set, is sent as a
// bearer credential.
func NewRESTEntities(client HTTPDoer, base, token string, timeout time.Duration, postTypes ...string) *RESTEntities {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(postTypes) == 0 {
		postTypes = []string{"posts", "pages"}
	}
	return &RESTEntities{
		client:    client,
		base:      strings.TrimSuffix(base, "/"),
		token:     token,
		timeout:   timeout,
		postTypes: postTypes,
	}
}

var _ Entities = (*RESTEntities)(nil)

type restTerm struct {
	ID       int64  `json:"id"`
	Taxonomy string `json:"taxonomy"`
	Slug     string `json:"slug"`
	Link     string `json:"link"`
}

type restPost struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Slug   string `json:"slug"`
	Link   string `json:"link"`
	Author int64  `json:"author"`
	Status string `json:"status"`
	// DateGMT has no zone suffix.
	DateGMT  string `json:"date_gmt"`
	Embedded struct {
		Author []struct {
			Slug string `json:"slug"`
		} `json:"author"`
		Terms [][]restTerm `json:"wp:term"`
	} `json:"_embedded"`
}

func (e *RESTEntities) Post(ctx context.Context, id int64) (Post, bool, error) {
	for _, typ := range e.postTypes {
		var rp restPost
		found, err := e.get(ctx, fmt.Sprintf("%s/%s/%d?_embed=author,wp:term", e.base, typ, id), &rp)
		if err != nil {
			return Post{}, false, err
		}
		if !found {
			continue
		}
		p := Post{
			ID:         rp.ID,
			Type:       rp.Type,
			Slug:       rp.Slug,
			Link:       rp.Link,
			AuthorID:   rp.Author,
			IsRevision: rp.Type == "revision",
		}
		if t, err := time.Parse("2006-01-02T15:04:05", rp.DateGMT); err == nil && rp.Status == "publish" {
			p.Published = t.UTC()
		}
		if len(rp.Embedded.Author) > 0 {
			p.AuthorSlug = rp.Embedded.Author[0].Slug
		}
		for _, group := range rp.Embedded.Terms {
			for _, t := range group {
				p.Terms = append(p.Terms, Term(t))
			}
		}
		return p, true, nil
	}
	return Post{}, false, nil
}

func (e *RESTEntities) Term(ctx context.Context, id int64, taxonomy string) (Term, bool, error) {
	var rt restTerm
	found, err := e.get(ctx, fmt.Sprintf("%s/%s/%d", e.base, taxonomyBase(taxonomy), id), &rt)
	if err != nil || !found {
		return Term{}, false, err
	}
	if rt.Taxonomy == "" {
		rt.Taxonomy = taxonomy
	}
	return Term(rt), true, nil
}

// PostForURL finds the post whose permalink is rawURL by looking its last
// path segment up as a slug. A slug shared by several posts matches the one
// whose link equals rawURL; no exact match reports found=false.
func (e *RESTEntities) PostForURL(ctx context.Context, rawURL string) (Post, bool, error) {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return Post{}, false, nil
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	slug := segs[len(segs)-1]
	if slug == "" {
		return Post{}, false, nil
	}
	want := strings.TrimSuffix(rawURL, "/")
	for _, typ := range e.postTypes {
		var rps []restPost
		q := fmt.Sprintf("%s/%s?slug=%s&_fields=id,type,slug,link", e.base, typ, neturl.QueryEscape(slug))
		found, err := e.get(ctx, q, &rps)
		if err != nil {
			return Post{}, false, err
		}
		if !found {
			continue
		}
		for _, rp := range rps {
			if strings.TrimSuffix(rp.Link, "/") == want {
				return Post{
					ID:         rp.ID,
					Type:       rp.Type,
					Slug:       rp.Slug,
					Link:       rp.Link,
					IsRevision: rp.Type == "revision",
				}, true, nil
			}
		}
	}
	return Post{}, false, nil
}

func taxonomyBase(taxonomy string) string {
	switch taxonomy {
	case "", "category":
		return "categories"
	case "post_tag":
		return "tags"
	default:
		return taxonomy
	}
}

// get decodes a 2xx body into v. 404 and 410 report found=false.
func (e *RESTEntities) get(ctx context.Context, url string, v any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, err
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", url, err)
	}
	return true, nil
}
