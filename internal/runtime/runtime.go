package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoBurst is returned by New when no burst job is configured.
var ErrNoBurst = errors.New("runtime: burst job is required")

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Job is one unit of background work. Returned errors are logged.
type Job func(ctx context.Context) error

type Config struct {
	// Schedule is a cron expression ("@every 1m", "*/5 * * * *") for Burst.
	Schedule string
	Burst    Job
	// GC runs every GCInterval when both are set.
	GCInterval time.Duration
	GC         Job
	// Refresh runs every RefreshInterval when both are set.
	RefreshInterval time.Duration
	Refresh         Job
	Logger          Logger
}

type Runtime struct {
	cfg     Config
	cron    *cron.Cron
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// New validates cfg and registers the burst on the cron scheduler.
func New(cfg Config) (*Runtime, error) {
	if cfg.Burst == nil {
		return nil, ErrNoBurst
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	cl := cronLogger{lg}
	rt := &Runtime{
		cfg: cfg,
		log: lg,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := rt.cron.AddFunc(cfg.Schedule, func() { rt.run("burst", rt.cfg.Burst) }); err != nil {
		return nil, fmt.Errorf("runtime: schedule %q: %w", cfg.Schedule, err)
	}
	return rt, nil
}

// Start launches the cron scheduler and the maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	ctx := rt.ctx
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: schedule=%q gc=%s refresh=%s", rt.cfg.Schedule, rt.cfg.GCInterval, rt.cfg.RefreshInterval)

	rt.cron.Start()
	rt.every(ctx, "gc", rt.cfg.GCInterval, rt.cfg.GC)
	rt.every(ctx, "refresh", rt.cfg.RefreshInterval, rt.cfg.Refresh)
}

// Stop cancels running jobs and waits for them to return.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	<-rt.cron.Stop().Done()
	rt.wg.Wait()
}

func (rt *Runtime) every(ctx context.Context, name string, d time.Duration, job Job) {
	if d <= 0 || job == nil {
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt.runCtx(ctx, name, job)
			}
		}
	}()
}

// run is the cron entry point; it picks up the context of the current Start.
func (rt *Runtime) run(name string, job Job) {
	rt.mu.Lock()
	ctx := rt.ctx
	rt.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	rt.runCtx(ctx, name, job)
}

func (rt *Runtime) runCtx(ctx context.Context, name string, job Job) {
	start := time.Now()
	if err := job(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		rt.log.Errorf("%s failed: err=%v", name, err)
		return
	}
	rt.log.Debugf("%s done in %s", name, time.Since(start))
}

// cronLogger adapts Logger to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct{ Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.Debugf("cron: %s %v", msg, kv)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.Errorf("cron: %s %v err=%v", msg, kv, err)
}
