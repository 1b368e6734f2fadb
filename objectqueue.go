package edgepurge

import (
	"context"
	"fmt"

	"github.com/UniQw/edgepurge/internal/tickctx"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/resolver"
)

// ProcessObjectQueue runs one object-queue tick: expand up to ObjectPasses
// batches of intents into URL-queue children, complete intents whose
// children are all finished, then fail intents that ran out of attempts.
// Storage errors abort the tick; resolver errors leave the intent reserved
// for a later retry.
func (s *Service) ProcessObjectQueue(ctx context.Context) error {
	st := tickctx.Get(ctx)
	for pass := 0; pass < s.cfg.ObjectPasses; pass++ {
		batch, err := s.reserve(ctx, s.objects, s.cfg.ObjectBatchSize, queue.SkipSealed())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		st.Reserved += len(batch)
		for _, it := range batch {
			if err := s.expand(ctx, it); err != nil {
				return err
			}
		}
	}
	if err := s.completeExpanded(ctx); err != nil {
		return err
	}
	failed, err := s.objects.FlagMaxAttemptedItemsAsFailed(ctx, s.cfg.MaxAttempts, queue.SkipSealed())
	if err != nil {
		return fmt.Errorf("flag failed intents: %w", err)
	}
	for _, it := range failed {
		s.log.Errorf("intent failed: queue=%s id=%s attempts=%d", it.Queue, it.ID, it.Attempts)
		s.metrics.intent(s.site, intentType(it), "failed")
		if err := s.store.ForgetChildren(ctx, it.Ref()); err != nil {
			return fmt.Errorf("forget children of %s: %w", it.ID, err)
		}
	}
	st.Failed += len(failed)
	return nil
}

// reserve takes retried items first, then fills the batch with new ones.
func (s *Service) reserve(ctx context.Context, q *queue.Queue, limit int, opts ...queue.SelectOption) ([]*queue.Item, error) {
	batch, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, s.cfg.MaxAttempts, limit, true, opts...)
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", q.Name(), err)
	}
	if len(batch) < limit {
		fresh, err := q.GetAndReserveItems(ctx, limit-len(batch), true)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", q.Name(), err)
		}
		batch = append(batch, fresh...)
	}
	return batch, nil
}

// expand turns one intent into children and seals it. Only storage errors
// are returned.
func (s *Service) expand(ctx context.Context, it *queue.Item) error {
	st := tickctx.Get(ctx)
	var in Intent
	if err := it.Decode(&in); err != nil {
		// Left reserved; the attempts sweep fails it.
		s.log.Errorf("undecodable intent: queue=%s id=%s err=%v", it.Queue, it.ID, err)
		return nil
	}
	if err := in.Validate(); err != nil || !in.Object() {
		s.log.Errorf("intent not expandable: queue=%s id=%s intent=%s err=%v", it.Queue, it.ID, in, err)
		return nil
	}

	var children int
	switch in.Type {
	case IntentPurgeAll:
		sites := []string{s.site}
		if in.NetworkWide {
			all, err := s.sites.Sites(ctx)
			if err != nil {
				s.log.Warnf("list sites failed: queue=%s id=%s attempt=%d err=%v", it.Queue, it.ID, it.Attempts, err)
				s.metrics.intent(s.site, in.Type, "retry")
				return nil
			}
			sites = all
		}
		if err := s.expandPurgeAll(ctx, it, sites); err != nil {
			return err
		}
		children = len(sites)
	default:
		obj, err := s.resolver.Resolve(ctx, in.ID, in.objectType(), resolver.Extra{Taxonomy: in.Taxonomy})
		if err != nil {
			s.log.Warnf("resolve failed: queue=%s id=%s intent=%s attempt=%d err=%v", it.Queue, it.ID, in, it.Attempts, err)
			s.metrics.intent(s.site, in.Type, "retry")
			return nil
		}
		if !obj.Success {
			s.log.Debugf("intent dropped, entity gone: queue=%s id=%s intent=%s", it.Queue, it.ID, in)
			s.metrics.intent(s.site, in.Type, "discarded")
			st.Discarded++
			break
		}
		for _, u := range obj.URLs() {
			if _, err := s.urls.Add(ctx, URLIntent(u), queue.WithParent(it.Ref())); err != nil {
				return fmt.Errorf("add url child of %s: %w", it.ID, err)
			}
		}
		children = obj.Len()
	}

	if err := s.objects.SealItems(ctx, it); err != nil {
		return fmt.Errorf("seal %s: %w", it.ID, err)
	}
	st.Expanded++
	st.Children += children
	if in.Type != IntentPurgeAll && children > 0 {
		s.metrics.intent(s.site, in.Type, "expanded")
	}
	s.log.Debugf("intent expanded: queue=%s id=%s intent=%s children=%d", it.Queue, it.ID, in, children)
	return nil
}

// expandPurgeAll clears the URL queue of every site in sites, in-flight items
// included, and leaves one purge-all marker in each as a child of it.
func (s *Service) expandPurgeAll(ctx context.Context, it *queue.Item, sites []string) error {
	for _, site := range sites {
		name := URLQueueName(site)
		cleared, err := s.store.ClearQueue(ctx, name, true)
		if err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		if _, err := queue.New(s.store, name).Add(ctx, purgeAllMarker, queue.WithParent(it.Ref())); err != nil {
			return fmt.Errorf("add purge-all marker to %s: %w", name, err)
		}
		s.log.Infof("purge-all: queue=%s cleared=%d", name, cleared)
	}
	s.metrics.intent(s.site, IntentPurgeAll, "expanded")
	return nil
}

// completeExpanded completes every sealed intent with no unfinished children.
func (s *Service) completeExpanded(ctx context.Context) error {
	st := tickctx.Get(ctx)
	reserved, err := s.objects.ListItems(ctx, queue.StateReserved, 0)
	if err != nil {
		return fmt.Errorf("list reserved intents: %w", err)
	}
	for _, it := range reserved {
		if !it.Sealed() {
			continue
		}
		open, err := s.openChildren(ctx, it.Ref())
		if err != nil {
			return err
		}
		if open > 0 {
			continue
		}
		n, err := s.objects.CompleteItems(ctx, it)
		if err != nil {
			return fmt.Errorf("complete %s: %w", it.ID, err)
		}
		if err := s.store.ForgetChildren(ctx, it.Ref()); err != nil {
			return fmt.Errorf("forget children of %s: %w", it.ID, err)
		}
		st.Completed += n
	}
	return nil
}

func (s *Service) openChildren(ctx context.Context, parent queue.Ref) (int, error) {
	queues, err := s.store.ChildQueues(ctx, parent)
	if err != nil {
		return 0, fmt.Errorf("child queues of %s: %w", parent.ID, err)
	}
	open := 0
	for _, name := range queues {
		items, err := s.store.GetUnfinishedItemsByParent(ctx, name, parent)
		if err != nil {
			return 0, fmt.Errorf("children of %s in %s: %w", parent.ID, name, err)
		}
		open += len(items)
	}
	return open, nil
}

func intentType(it *queue.Item) IntentType {
	var in Intent
	if err := it.Decode(&in); err != nil {
		return "unknown"
	}
	return in.Type
}
