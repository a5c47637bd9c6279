package lbx

import (
	"time"
)

const (
	defaultPollingInterval  time.Duration = time.Second
	defaultBatchSize        int           = 20
	defaultMaxRetries       int           = 50
	defaultBackoffBase      time.Duration = 500 * time.Millisecond
	defaultBackoffMax       time.Duration = 30 * time.Second
	defaultBackoffJitter    float64       = 0.2
	defaultLoopErrorDelay   time.Duration = 5 * time.Second
	defaultSource           string        = "account-service"
	defaultPrefetch         int           = 1
	defaultApplyAttempts    int           = 1
	defaultApplyRetryDelay  time.Duration = 200 * time.Millisecond
	defaultResubscribeDelay time.Duration = 5 * time.Second
	defaultPendingWarning   int64         = 100
)

// Settings holds the outbox dispatcher configuration.
type Settings struct {
	PollingInterval time.Duration // pause between polling cycles
	BatchSize       int           // maximum number of records fetched per cycle
	MaxRetries      int           // failed deliveries before a record is dead-lettered
	BackoffBase     time.Duration // base delay of the exponential backoff
	BackoffMax      time.Duration // upper bound of the exponential backoff
	BackoffJitter   float64       // jitter ratio applied to the backoff (0.2 = ±20%)
	LoopErrorDelay  time.Duration // delay applied after a failed cycle
	Source          string        // value of meta.source in published envelopes
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = defaultBackoffBase
	}
	if s.BackoffMax <= 0 || s.BackoffMax < s.BackoffBase {
		s.BackoffMax = defaultBackoffMax
	}
	if s.BackoffJitter <= 0 || s.BackoffJitter >= 1 {
		s.BackoffJitter = defaultBackoffJitter
	}
	if s.LoopErrorDelay <= 0 {
		s.LoopErrorDelay = defaultLoopErrorDelay
	}
	if s.Source == "" {
		s.Source = defaultSource
	}
}

// ConsumerSettings holds the inbox consumers configuration.
type ConsumerSettings struct {
	Prefetch         int           // unacknowledged deliveries allowed in flight
	ApplyAttempts    int           // attempts of the apply transaction before dead-lettering
	ApplyRetryDelay  time.Duration // pause between apply attempts
	ResubscribeDelay time.Duration // pause before subscribing again after a broken subscription
}

func validateConsumerSettings(s *ConsumerSettings) {
	if s.Prefetch <= 0 {
		s.Prefetch = defaultPrefetch
	}
	if s.ApplyAttempts <= 0 {
		s.ApplyAttempts = defaultApplyAttempts
	}
	if s.ApplyRetryDelay <= 0 {
		s.ApplyRetryDelay = defaultApplyRetryDelay
	}
	if s.ResubscribeDelay <= 0 {
		s.ResubscribeDelay = defaultResubscribeDelay
	}
}
