package orchestrator

import "time"

// Config holds the timing knobs of a session orchestrator. Defaults can be
// loaded via envdecode.
type Config struct {
	// CreatedTimeout bounds how long a session may wait in CREATED.
	CreatedTimeout time.Duration `env:"SESSION_CREATED_TIMEOUT,default=15m"`
	// TotalTimeout bounds the whole session once STARTED. Both timeouts are
	// measured from the session's start time.
	TotalTimeout time.Duration `env:"SESSION_TOTAL_TIMEOUT,default=60m"`
	// PollInterval bounds a single bus receive.
	PollInterval time.Duration `env:"SESSION_POLL_INTERVAL,default=500ms"`
	// BatchWindow is the minimum spacing between two scoreboard recomputes.
	BatchWindow time.Duration `env:"SESSION_BATCH_WINDOW,default=1s"`
	// FlushRetryDelay is the pause before the single retry of the final
	// durable write.
	FlushRetryDelay time.Duration `env:"SESSION_FLUSH_RETRY_DELAY,default=2s"`
	// LiveStateTTL is how long an ended session's live keys are kept.
	LiveStateTTL time.Duration `env:"SESSION_LIVE_STATE_TTL,default=10m"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CreatedTimeout:  15 * time.Minute,
		TotalTimeout:    60 * time.Minute,
		PollInterval:    500 * time.Millisecond,
		BatchWindow:     time.Second,
		FlushRetryDelay: 2 * time.Second,
		LiveStateTTL:    10 * time.Minute,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CreatedTimeout <= 0 {
		c.CreatedTimeout = d.CreatedTimeout
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = d.TotalTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.FlushRetryDelay <= 0 {
		c.FlushRetryDelay = d.FlushRetryDelay
	}
	if c.LiveStateTTL <= 0 {
		c.LiveStateTTL = d.LiveStateTTL
	}
	return c
}
