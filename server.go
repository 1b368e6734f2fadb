package edgepurge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rtm "github.com/UniQw/edgepurge/internal/runtime"
)

// ServerConfig defines the background schedule of a Server.
type ServerConfig struct {
	// Schedule is the cron expression of the burst trigger. Empty uses the first
	// site's Config.Schedule.
	Schedule string
	// GCInterval is how often terminal items past retention are deleted.
	// Zero means hourly; negative disables GC.
	GCInterval time.Duration
	// RefreshInterval is how often queue gauges are refreshed between bursts.
	// Zero means every 15s; negative disables the refresher.
	RefreshInterval time.Duration
	// Logger is the logger used for server events.
	Logger Logger
}

// Server drives the queues of every configured site on a schedule.
type Server struct {
	rt       *rtm.Runtime
	services []*Service
	bySite   map[string]*Service
	mu       sync.Mutex
	started  bool
	totals   TickStats
	log      Logger
}

// NewServer creates a server over the given site services.
func NewServer(cfg ServerConfig, services ...*Service) (*Server, error) {
	if len(services) == 0 {
		return nil, ErrNoSites
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	s := &Server{services: services, bySite: make(map[string]*Service, len(services)), log: l}
	for _, svc := range services {
		if _, dup := s.bySite[svc.Site()]; dup {
			return nil, fmt.Errorf("edgepurge: site %s configured twice", svc.Site())
		}
		s.bySite[svc.Site()] = svc
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = services[0].Config().Schedule
	}
	gcEvery := cfg.GCInterval
	if gcEvery == 0 {
		gcEvery = time.Hour
	}
	refreshEvery := cfg.RefreshInterval
	if refreshEvery == 0 {
		refreshEvery = 15 * time.Second
	}
	rt, err := rtm.New(rtm.Config{
		Schedule: schedule,
		Burst: func(ctx context.Context) error {
			_, err := s.RunOnce(ctx)
			return err
		},
		GCInterval:      gcEvery,
		GC:              s.CollectGarbage,
		RefreshInterval: refreshEvery,
		Refresh:         s.RefreshMetrics,
		Logger:          rtLogger{Logger: l},
	})
	if err != nil {
		return nil, err
	}
	s.rt = rt
	return s, nil
}

// Start launches the scheduler and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: sites=%d", len(s.services))
	s.rt.Start()
}

// Stop cancels any running burst and waits for background routines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	t := s.totals
	s.mu.Unlock()
	s.log.Infof("stopping server: expanded=%d dispatched=%d completed=%d failed=%d", t.Expanded, t.Dispatched, t.Completed, t.Failed)
	s.rt.Stop()
}

// RunOnce runs one burst for every site, in order. A failing site does not
// stop the others; their errors are joined.
func (s *Server) RunOnce(ctx context.Context) (map[string]TickStats, error) {
	out := make(map[string]TickStats, len(s.services))
	var errs []error
	for _, svc := range s.services {
		st, skipped, err := svc.Burst(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", svc.Site(), err))
		}
		if !skipped {
			out[svc.Site()] = st
			s.mu.Lock()
			s.totals.Add(st)
			s.mu.Unlock()
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

// Totals returns the stats of every burst run by this server, summed over
// sites.
func (s *Server) Totals() TickStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// CollectGarbage runs garbage collection for every site.
func (s *Server) CollectGarbage(ctx context.Context) error {
	var errs []error
	for _, svc := range s.services {
		if _, err := svc.CollectGarbage(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshMetrics refreshes the queue gauges of every site.
func (s *Server) RefreshMetrics(ctx context.Context) error {
	var errs []error
	for _, svc := range s.services {
		if err := svc.RefreshMetrics(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Service returns the service of site.
func (s *Server) Service(site string) (*Service, error) {
	svc, ok := s.bySite[site]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return svc, nil
}

// Sites returns the configured site ids, sorted. Server satisfies SiteLister.
func (s *Server) Sites(context.Context) ([]string, error) {
	out := make([]string, 0, len(s.bySite))
	for site := range s.bySite {
		out = append(out, site)
	}
	sort.Strings(out)
	return out, nil
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
