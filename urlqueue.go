package edgepurge

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/edgepurge/driver"
	"github.com/UniQw/edgepurge/internal/tickctx"
	"github.com/UniQw/edgepurge/queue"
)

// ChunkSize is the number of URL-queue items sent per driver call.
func (s *Service) ChunkSize() int {
	if s.cfg.MaxURLsPerRequest > 0 {
		return s.cfg.MaxURLsPerRequest
	}
	if n := s.driver.MaxURLsPerRequest(); n > 0 {
		return n
	}
	return 1
}

// ProcessURLQueue runs one URL-queue tick: up to URLBatches chunks are
// dispatched to the driver, then items out of attempts are failed.
// Driver failures leave items reserved for a retry after their lease.
func (s *Service) ProcessURLQueue(ctx context.Context) error {
	size := s.ChunkSize()
	for i := 0; i < s.cfg.URLBatches; i++ {
		batch, err := s.reserve(ctx, s.urls, size)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		tickctx.Get(ctx).Reserved += len(batch)
		if err := s.dispatch(ctx, batch); err != nil {
			return err
		}
		if len(batch) < size {
			break
		}
	}
	failed, err := s.urls.FlagMaxAttemptedItemsAsFailed(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("flag failed urls: %w", err)
	}
	for _, it := range failed {
		s.log.Errorf("purge item failed: queue=%s id=%s attempts=%d payload=%s", it.Queue, it.ID, it.Attempts, it.Payload)
	}
	tickctx.Get(ctx).Failed += len(failed)
	s.metrics.items(s.site, "any", "failed", len(failed))
	return nil
}

// dispatch sends one batch. Only storage errors are returned.
func (s *Service) dispatch(ctx context.Context, batch []*queue.Item) error {
	var (
		urls, tags         []string
		urlItems, tagItems []*queue.Item
		purgeAll           bool
	)
	for _, it := range batch {
		var in Intent
		if err := it.Decode(&in); err != nil {
			s.log.Errorf("undecodable purge item: queue=%s id=%s err=%v", it.Queue, it.ID, err)
			continue
		}
		switch in.Type {
		case IntentPurgeAll:
			purgeAll = true
		case IntentURL:
			urls = append(urls, in.URL)
			urlItems = append(urlItems, it)
		case IntentTag:
			tags = append(tags, in.Tag)
			tagItems = append(tagItems, it)
		default:
			s.log.Errorf("unexpected purge item: queue=%s id=%s type=%s", it.Queue, it.ID, in.Type)
		}
	}

	if purgeAll {
		if s.call(ctx, "purge_all", len(batch), func(ctx context.Context) error { return s.driver.PurgeAll(ctx) }) {
			s.metrics.items(s.site, "all", "ok", len(batch))
			return s.completeURLs(ctx, batch)
		}
		s.metrics.items(s.site, "all", "error", len(batch))
		return nil
	}

	if len(urls) > 0 {
		if s.call(ctx, "purge_urls", len(urls), func(ctx context.Context) error { return s.driver.PurgeByURLs(ctx, urls) }) {
			s.metrics.items(s.site, "url", "ok", len(urlItems))
			if err := s.completeURLs(ctx, urlItems); err != nil {
				return err
			}
		} else {
			s.metrics.items(s.site, "url", "error", len(urlItems))
		}
	}

	if len(tags) > 0 {
		tp, ok := driver.SupportsTags(s.driver)
		if !ok {
			// Left reserved until the attempts sweep fails them.
			s.log.Errorf("tag purge skipped: site=%s driver=%s tags=%d err=%v", s.site, s.driver.Name(), len(tags), ErrTagsUnsupported)
			return nil
		}
		if s.call(ctx, "purge_tags", len(tags), func(ctx context.Context) error { return tp.PurgeByTags(ctx, tags) }) {
			s.metrics.items(s.site, "tag", "ok", len(tagItems))
			return s.completeURLs(ctx, tagItems)
		}
		s.metrics.items(s.site, "tag", "error", len(tagItems))
	}
	return nil
}

// call runs one driver operation under DriverTimeout and reports success.
func (s *Service) call(ctx context.Context, op string, n int, fn func(context.Context) error) bool {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.DriverTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	s.metrics.request(s.driver.Name(), op, err, time.Since(start))
	if err == nil {
		s.log.Debugf("purged: site=%s driver=%s op=%s n=%d", s.site, s.driver.Name(), op, n)
		return true
	}
	tickctx.Get(ctx).DriverErrs++
	if driver.IsPermanent(err) {
		s.log.Errorf("purge rejected: site=%s driver=%s op=%s n=%d err=%v", s.site, s.driver.Name(), op, n, err)
	} else {
		s.log.Warnf("purge failed, will retry: site=%s driver=%s op=%s n=%d err=%v", s.site, s.driver.Name(), op, n, err)
	}
	return false
}

func (s *Service) completeURLs(ctx context.Context, items []*queue.Item) error {
	n, err := s.urls.CompleteItems(ctx, items...)
	if err != nil {
		return fmt.Errorf("complete urls: %w", err)
	}
	st := tickctx.Get(ctx)
	st.Dispatched += len(items)
	st.Completed += n
	return nil
}
