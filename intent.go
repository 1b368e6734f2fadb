package edgepurge

import (
	"fmt"

	"github.com/UniQw/edgepurge/resolver"
)

// IntentType names what an item in the object or URL queue asks for.
type IntentType string

const (
	IntentPost     IntentType = "post"
	IntentTerm     IntentType = "term"
	IntentPurgeAll IntentType = "purge-all"
	IntentURL      IntentType = "url"
	IntentTag      IntentType = "tag"
)

// Intent is the payload of every queued item. Object-queue items carry post,
// term and purge-all intents; URL-queue items carry url, tag and the
// purge-all marker. Field order is fixed so equal intents fingerprint equally.
type Intent struct {
	Type        IntentType `json:"type"`
	ID          int64      `json:"id,omitempty"`
	Taxonomy    string     `json:"taxonomy,omitempty"`
	NetworkWide bool       `json:"network_wide,omitempty"`
	URL         string     `json:"url,omitempty"`
	Tag         string     `json:"tag,omitempty"`
}

func PostIntent(id int64) Intent { return Intent{Type: IntentPost, ID: id} }

func TermIntent(id int64, taxonomy string) Intent {
	return Intent{Type: IntentTerm, ID: id, Taxonomy: taxonomy}
}

func PurgeAllIntent(networkWide bool) Intent {
	return Intent{Type: IntentPurgeAll, NetworkWide: networkWide}
}

func URLIntent(url string) Intent { return Intent{Type: IntentURL, URL: url} }

func TagIntent(tag string) Intent { return Intent{Type: IntentTag, Tag: tag} }

// purgeAllMarker is the URL-queue child of a purge-all intent.
var purgeAllMarker = Intent{Type: IntentPurgeAll}

// Validate reports whether the intent carries what its type needs.
func (i Intent) Validate() error {
	switch i.Type {
	case IntentPost, IntentTerm:
		if i.ID <= 0 {
			return fmt.Errorf("%w: %s needs a positive id", ErrInvalidIntent, i.Type)
		}
	case IntentURL:
		if i.URL == "" {
			return fmt.Errorf("%w: url is empty", ErrInvalidIntent)
		}
	case IntentTag:
		if i.Tag == "" {
			return fmt.Errorf("%w: tag is empty", ErrInvalidIntent)
		}
	case IntentPurgeAll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownIntent, i.Type)
	}
	return nil
}

// Object reports whether the intent belongs in the object queue.
func (i Intent) Object() bool {
	return i.Type == IntentPost || i.Type == IntentTerm || i.Type == IntentPurgeAll
}

func (i Intent) objectType() resolver.ObjectType {
	if i.Type == IntentTerm {
		return resolver.TypeTerm
	}
	return resolver.TypePost
}

func (i Intent) String() string {
	switch i.Type {
	case IntentPost:
		return fmt.Sprintf("post:%d", i.ID)
	case IntentTerm:
		return fmt.Sprintf("term:%s:%d", i.Taxonomy, i.ID)
	case IntentURL:
		return "url:" + i.URL
	case IntentTag:
		return "tag:" + i.Tag
	case IntentPurgeAll:
		if i.NetworkWide {
			return "purge-all:network"
		}
		return "purge-all"
	}
	return string(i.Type)
}

// ObjectQueueName is the object queue of a site.
func ObjectQueueName(site string) string { return "objects:" + site }

// URLQueueName is the URL queue of a site.
func URLQueueName(site string) string { return "urls:" + site }
