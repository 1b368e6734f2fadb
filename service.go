package edgepurge

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/edgepurge/driver"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/resolver"
)

// Resolver turns one content entity into the URLs to purge.
// *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, id int64, t resolver.ObjectType, extra resolver.Extra) (*resolver.PurgeObject, error)
}

// SiteLister lists every site of a network. Network-wide purge-all intents
// clear the URL queue of each listed site.
type SiteLister interface {
	Sites(ctx context.Context) ([]string, error)
}

// StaticSites is a fixed SiteLister.
type StaticSites []string

func (s StaticSites) Sites(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// URLMapper finds the post published at a URL.
type URLMapper interface {
	PostForURL(ctx context.Context, url string) (post resolver.Post, found bool, err error)
}

// PostLookup loads a post by id. resolver.Entities implementations satisfy it.
type PostLookup interface {
	Post(ctx context.Context, id int64) (post resolver.Post, found bool, err error)
}

// Service owns the object and URL queues of one site. It is the enqueue
// surface for producers and runs the ticks that drain both queues.
type Service struct {
	site     string
	cfg      Config
	store    queue.Store
	objects  *queue.Queue
	urls     *queue.Queue
	resolver Resolver
	driver   driver.Driver
	sites    SiteLister
	mapper   URLMapper
	posts    PostLookup
	metrics  *Metrics
	log      Logger
}

// NewService builds the Service of site. res expands post and term intents;
// drv receives the URL queue's purge calls.
func NewService(store queue.Store, site string, res Resolver, drv driver.Driver, opts ...Option) (*Service, error) {
	if site == "" {
		return nil, fmt.Errorf("edgepurge: %w", queue.ErrEmptyQueueName)
	}
	if store == nil || res == nil || drv == nil {
		return nil, fmt.Errorf("edgepurge: site %s needs a store, resolver and driver", site)
	}
	s := &Service{
		site:     site,
		cfg:      DefaultConfig(),
		store:    store,
		objects:  queue.New(store, ObjectQueueName(site)),
		urls:     queue.New(store, URLQueueName(site)),
		resolver: res,
		driver:   drv,
		log:      noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sites == nil {
		s.sites = StaticSites{site}
	}
	if s.cfg.ReservationLease <= s.cfg.DriverTimeout {
		s.log.Warnf("site=%s reservation lease %s does not exceed driver timeout %s", site, s.cfg.ReservationLease, s.cfg.DriverTimeout)
	}
	return s, nil
}

func (s *Service) Site() string { return s.site }

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Driver() driver.Driver { return s.driver }

// ObjectQueue returns the handle on the site's object queue.
func (s *Service) ObjectQueue() *queue.Queue { return s.objects }

// URLQueue returns the handle on the site's URL queue.
func (s *Service) URLQueue() *queue.Queue { return s.urls }

// Enqueue validates in and adds it to the queue its type belongs to.
func (s *Service) Enqueue(ctx context.Context, in Intent) (*queue.Item, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Type == IntentTag {
		if _, ok := driver.SupportsTags(s.driver); !ok {
			return nil, ErrTagsUnsupported
		}
	}
	q := s.urls
	if in.Object() {
		q = s.objects
	}
	it, err := q.Add(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", in, err)
	}
	s.log.Debugf("enqueued queue=%s id=%s intent=%s", q.Name(), it.ID, in)
	return it, nil
}

// EnqueuePurgeIntent queues a purge of every URL affected by the entity.
// With a PostLookup set, revisions are refused with ErrRevision before
// anything is queued.
func (s *Service) EnqueuePurgeIntent(ctx context.Context, t resolver.ObjectType, id int64) (*queue.Item, error) {
	switch t {
	case resolver.TypePost:
		if s.posts != nil && id > 0 {
			p, found, err := s.posts.Post(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load post %d: %w", id, err)
			}
			if found && p.IsRevision {
				s.log.Debugf("revision not queued: site=%s post=%d", s.site, id)
				return nil, fmt.Errorf("%w: %d", ErrRevision, id)
			}
		}
		return s.Enqueue(ctx, PostIntent(id))
	case resolver.TypeTerm:
		return s.Enqueue(ctx, TermIntent(id, ""))
	}
	return nil, fmt.Errorf("%w: object type %q", ErrUnknownIntent, t)
}

// EnqueueTermPurge queues a purge of a term of the given taxonomy.
func (s *Service) EnqueueTermPurge(ctx context.Context, id int64, taxonomy string) (*queue.Item, error) {
	return s.Enqueue(ctx, TermIntent(id, taxonomy))
}

// EnqueuePurgeAll queues a full purge of this site, or of every site when networkWide.
func (s *Service) EnqueuePurgeAll(ctx context.Context, networkWide bool) (*queue.Item, error) {
	return s.Enqueue(ctx, PurgeAllIntent(networkWide))
}

// EnqueueURLPurge queues a purge of url. A URL that maps to a published post
// becomes a post intent so its archives are purged too; anything else,
// revisions included, is purged as a single URL.
func (s *Service) EnqueueURLPurge(ctx context.Context, url string) (*queue.Item, error) {
	if s.mapper != nil && url != "" {
		p, found, err := s.mapper.PostForURL(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("map url %s: %w", url, err)
		}
		if found && !p.IsRevision && p.ID > 0 {
			return s.Enqueue(ctx, PostIntent(p.ID))
		}
	}
	return s.Enqueue(ctx, URLIntent(url))
}

// EnqueueTagPurge queues one URL-queue item per cache tag.
func (s *Service) EnqueueTagPurge(ctx context.Context, tags ...string) ([]*queue.Item, error) {
	if _, ok := driver.SupportsTags(s.driver); !ok {
		return nil, ErrTagsUnsupported
	}
	out := make([]*queue.Item, 0, len(tags))
	for _, tag := range tags {
		it, err := s.Enqueue(ctx, TagIntent(tag))
		if err != nil {
			return out, err
		}
		out = append(out, it)
	}
	return out, nil
}

// QueueDepth returns the unfinished item count of any queue in the store.
func (s *Service) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	return queue.New(s.store, queueName).Depth(ctx)
}

// FailedItemCount returns how many items of queueName exhausted their attempts.
func (s *Service) FailedItemCount(ctx context.Context, queueName string) (int64, error) {
	return queue.New(s.store, queueName).FailedCount(ctx)
}

// ListFailedItems returns up to limit failed items, oldest first.
func (s *Service) ListFailedItems(ctx context.Context, queueName string, limit int) ([]*queue.Item, error) {
	return s.store.ListItems(ctx, queueName, queue.StateFailed, limit)
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int64  `json:"pending"`
	Reserved  int64  `json:"reserved"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Stats counts the items of both site queues per state.
func (s *Service) Stats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, 2)
	for _, q := range []*queue.Queue{s.objects, s.urls} {
		st := QueueStats{Queue: q.Name()}
		counts := map[queue.State]*int64{
			queue.StatePending:   &st.Pending,
			queue.StateReserved:  &st.Reserved,
			queue.StateCompleted: &st.Completed,
			queue.StateFailed:    &st.Failed,
		}
		for state, dst := range counts {
			n, err := q.Count(ctx, state)
			if err != nil {
				return nil, fmt.Errorf("count %s %s: %w", q.Name(), state, err)
			}
			*dst = n
		}
		out = append(out, st)
	}
	return out, nil
}

// RefreshMetrics publishes depth and failed gauges for both queues.
func (s *Service) RefreshMetrics(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	for _, q := range []*queue.Queue{s.objects, s.urls} {
		depth, err := q.Depth(ctx)
		if err != nil {
			return fmt.Errorf("depth %s: %w", q.Name(), err)
		}
		failed, err := q.FailedCount(ctx)
		if err != nil {
			return fmt.Errorf("failed count %s: %w", q.Name(), err)
		}
		s.metrics.setDepth(q.Name(), depth, failed)
	}
	return nil
}

// CollectGarbage deletes terminal items older than GCRetention from both queues.
func (s *Service) CollectGarbage(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.GCRetention)
	total := 0
	for _, q := range []*queue.Queue{s.objects, s.urls} {
		for {
			n, err := q.CollectGarbage(ctx, cutoff, s.cfg.GCBatchSize)
			if err != nil {
				return total, fmt.Errorf("gc %s: %w", q.Name(), err)
			}
			total += n
			if n < s.cfg.GCBatchSize {
				break
			}
		}
	}
	if total > 0 {
		s.log.Infof("gc: site=%s removed=%d", s.site, total)
	}
	return total, nil
}
