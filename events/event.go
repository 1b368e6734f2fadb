// Package events ingests content-change events from Kafka and turns them
// into purge intents.
package events

import (
	"errors"
	"fmt"

	"github.com/UniQw/edgepurge"
	"github.com/bytedance/sonic"
)

// ErrMalformed marks a message that can never be processed. It is committed
// and skipped.
var ErrMalformed = errors.New("events: malformed change event")

// Event is one content change, as published by the CMS.
//
//	{"site":"1","type":"post","id":42}
//	{"site":"1","type":"term","id":7,"taxonomy":"category"}
//	{"site":"1","type":"url","url":"https://example.test/about/"}
//	{"site":"1","type":"purge-all","network_wide":false}
type Event struct {
	Site        string `json:"site,omitempty"`
	Type        string `json:"type"`
	ID          int64  `json:"id,omitempty"`
	Taxonomy    string `json:"taxonomy,omitempty"`
	URL         string `json:"url,omitempty"`
	Tag         string `json:"tag,omitempty"`
	NetworkWide bool   `json:"network_wide,omitempty"`
}

// Decode parses a message value.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := ev.Intent(); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

// Intent converts the event into the intent it enqueues.
func (e Event) Intent() (edgepurge.Intent, error) {
	in := edgepurge.Intent{
		Type:        edgepurge.IntentType(e.Type),
		ID:          e.ID,
		Taxonomy:    e.Taxonomy,
		NetworkWide: e.NetworkWide,
		URL:         e.URL,
		Tag:         e.Tag,
	}
	if in.Type != edgepurge.IntentPurgeAll {
		in.NetworkWide = false
	}
	return in, in.Validate()
}
