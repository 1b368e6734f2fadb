package edgepurge

import "errors"

// ErrUnknownIntent is returned for an intent type the queues do not handle.
var ErrUnknownIntent = errors.New("edgepurge: unknown intent")

// ErrInvalidIntent is returned when an intent lacks the fields its type needs.
var ErrInvalidIntent = errors.New("edgepurge: invalid intent")

// ErrTagsUnsupported is returned by EnqueueTagPurge when the site's driver
// cannot purge by tag.
var ErrTagsUnsupported = errors.New("edgepurge: driver does not support tag purges")

// ErrRevision is returned by EnqueuePurgeIntent for a post that is a
// revision. Revisions have no public URLs.
var ErrRevision = errors.New("edgepurge: post is a revision")

// ErrUnknownSite is returned when a site id has no registered Service.
var ErrUnknownSite = errors.New("edgepurge: unknown site")

// ErrNoSites is returned by NewServer without any Service.
var ErrNoSites = errors.New("edgepurge: no sites configured")
