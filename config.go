package edgepurge

import "time"

// Config tunes the queues of one site. Zero fields take DefaultConfig values.
type Config struct {
	// MaxURLsPerRequest overrides the driver's URLs-per-call limit. 0 uses the driver's.
	MaxURLsPerRequest int
	// MaxAttempts bounds reservations of one item before it is failed.
	MaxAttempts int
	// ObjectBatchSize is how many intents one object pass expands.
	ObjectBatchSize int
	// ObjectPasses is how many object batches one tick runs.
	ObjectPasses int
	// URLBatches is how many driver chunks one URL tick dispatches.
	URLBatches int
	// TicksPerTrigger is how many object+URL ticks one scheduled burst runs.
	TicksPerTrigger int
	// ReservationLease is how long a reserved item is left alone before a
	// retry pass may take it back. Must exceed DriverTimeout.
	ReservationLease time.Duration
	DriverTimeout    time.Duration
	// GCRetention is how long terminal items are kept.
	GCRetention time.Duration
	GCBatchSize int
	// Schedule is the cron expression of the burst trigger.
	Schedule string
	// LockTTL bounds how long a crashed burst can hold a site's queues.
	LockTTL time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxURLsPerRequest: 0,
		MaxAttempts:       3,
		ObjectBatchSize:   30,
		ObjectPasses:      3,
		URLBatches:        10,
		TicksPerTrigger:   1,
		ReservationLease:  30 * time.Second,
		DriverTimeout:     15 * time.Second,
		GCRetention:       7 * 24 * time.Hour,
		GCBatchSize:       500,
		Schedule:          "@every 1m",
		LockTTL:           2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxURLsPerRequest < 0 {
		c.MaxURLsPerRequest = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ObjectBatchSize <= 0 {
		c.ObjectBatchSize = d.ObjectBatchSize
	}
	if c.ObjectPasses <= 0 {
		c.ObjectPasses = d.ObjectPasses
	}
	if c.URLBatches <= 0 {
		c.URLBatches = d.URLBatches
	}
	if c.TicksPerTrigger <= 0 {
		c.TicksPerTrigger = d.TicksPerTrigger
	}
	if c.ReservationLease <= 0 {
		c.ReservationLease = d.ReservationLease
	}
	if c.DriverTimeout <= 0 {
		c.DriverTimeout = d.DriverTimeout
	}
	if c.GCRetention <= 0 {
		c.GCRetention = d.GCRetention
	}
	if c.GCBatchSize <= 0 {
		c.GCBatchSize = d.GCBatchSize
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}
