package edgepurge

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the queue tuning. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l == nil {
			l = noopLogger{}
		}
		s.log = l
	}
}

// WithSiteLister sets the source of site ids for network-wide purges.
func WithSiteLister(sl SiteLister) Option {
	return func(s *Service) {
		s.sites = sl
	}
}

// WithURLMapper lets EnqueueURLPurge route URLs of known posts through
// the object queue.
func WithURLMapper(m URLMapper) Option {
	return func(s *Service) {
		s.mapper = m
	}
}

// WithPostLookup makes EnqueuePurgeIntent refuse post revisions.
func WithPostLookup(p PostLookup) Option {
	return func(s *Service) {
		s.posts = p
	}
}

// WithMetrics records queue and driver metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}
