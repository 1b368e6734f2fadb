package edgepurge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/edgepurge/internal/tickctx"
	"github.com/UniQw/edgepurge/queue"
)

// TickStats tallies the work done by one burst.
type TickStats = tickctx.Stats

// Tick processes the object queue, then the URL queue.
func (s *Service) Tick(ctx context.Context) error {
	if err := s.ProcessObjectQueue(ctx); err != nil {
		return fmt.Errorf("object queue %s: %w", s.objects.Name(), err)
	}
	if err := s.ProcessURLQueue(ctx); err != nil {
		return fmt.Errorf("url queue %s: %w", s.urls.Name(), err)
	}
	return nil
}

// Burst runs TicksPerTrigger ticks while holding the site's tick lock. When
// another worker holds the lock the burst is skipped and skipped is true.
func (s *Service) Burst(ctx context.Context) (stats TickStats, skipped bool, err error) {
	unlock, err := s.objects.Lock(ctx, s.cfg.LockTTL)
	if errors.Is(err, queue.ErrLocked) {
		s.log.Debugf("burst skipped: site=%s lock held elsewhere", s.site)
		return stats, true, nil
	}
	if err != nil {
		return stats, false, fmt.Errorf("lock site %s: %w", s.site, err)
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.log.Warnf("unlock failed: site=%s err=%v", s.site, uerr)
		}
	}()

	start := time.Now()
	st := tickctx.New()
	tctx := tickctx.WithStats(ctx, st)
	for i := 0; i < s.cfg.TicksPerTrigger; i++ {
		if err = s.Tick(tctx); err != nil {
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}
	s.metrics.burst(s.site, time.Since(start))
	if rerr := s.RefreshMetrics(ctx); rerr != nil {
		s.log.Warnf("refresh metrics: site=%s err=%v", s.site, rerr)
	}
	if st.Reserved > 0 || err != nil {
		s.log.Infof("burst: site=%s reserved=%d expanded=%d discarded=%d children=%d dispatched=%d completed=%d failed=%d driver_errors=%d took=%s",
			s.site, st.Reserved, st.Expanded, st.Discarded, st.Children, st.Dispatched, st.Completed, st.Failed, st.DriverErrs, time.Since(start))
	}
	return *st, false, err
}
