package resolver

import (
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// SitePermalinks builds "pretty" permalinks under a home URL. Entity links
// coming from the CMS take precedence over slugs.
type SitePermalinks struct {
	Home          string
	ShowFrontPage bool
	// ArchiveTypes lists post types that have an archive page.
	ArchiveTypes mapset.Set[string]
	// TaxonomyBases maps a taxonomy to its URL base; unknown taxonomies use their name.
	TaxonomyBases map[string]string
}

// NewSitePermalinks returns permalinks with the usual category and tag bases.
func NewSitePermalinks(home string, showFrontPage bool, archiveTypes ...string) *SitePermalinks {
	return &SitePermalinks{
		Home:          strings.TrimSuffix(home, "/"),
		ShowFrontPage: showFrontPage,
		ArchiveTypes:  mapset.NewSet(archiveTypes...),
		TaxonomyBases: map[string]string{"category": "category", "post_tag": "tag"},
	}
}

var _ Permalinks = (*SitePermalinks)(nil)

func (s *SitePermalinks) Post(p Post) string {
	if p.Link != "" {
		return p.Link
	}
	if p.Slug == "" {
		return fmt.Sprintf("%s/?p=%d", s.Home, p.ID)
	}
	return s.Home + "/" + p.Slug + "/"
}

func (s *SitePermalinks) Term(t Term) string {
	if t.Link != "" {
		return t.Link
	}
	if t.Slug == "" {
		return ""
	}
	base, ok := s.TaxonomyBases[t.Taxonomy]
	if !ok {
		base = t.Taxonomy
	}
	return s.Home + "/" + base + "/" + t.Slug + "/"
}

func (s *SitePermalinks) FrontPage() string {
	if !s.ShowFrontPage {
		return ""
	}
	return s.Home + "/"
}

func (s *SitePermalinks) PostTypeArchive(postType string) string {
	if s.ArchiveTypes == nil || !s.ArchiveTypes.Contains(postType) {
		return ""
	}
	return s.Home + "/" + postType + "/"
}

func (s *SitePermalinks) AuthorArchive(p Post) string {
	if p.AuthorSlug == "" {
		return ""
	}
	return s.Home + "/author/" + p.AuthorSlug + "/"
}

func (s *SitePermalinks) DateArchives(published time.Time) []string {
	y, m, d := published.Date()
	return []string{
		fmt.Sprintf("%s/%04d/", s.Home, y),
		fmt.Sprintf("%s/%04d/%02d/", s.Home, y, m),
		fmt.Sprintf("%s/%04d/%02d/%02d/", s.Home, y, m, d),
	}
}

// Paginate appends /page/N/ to url.
func (s *SitePermalinks) Paginate(url string, page int) string {
	if page <= 1 {
		return url
	}
	return fmt.Sprintf("%s/page/%d/", strings.TrimSuffix(url, "/"), page)
}
