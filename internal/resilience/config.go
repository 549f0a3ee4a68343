package resilience

import (
	"time"

	"github.com/sells-group/lead-aggregator/internal/config"
)

// FromRetryConfig converts config values to a RetryConfig. Zero values keep
// the defaults.
func FromRetryConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// HistorySaveRetry builds the retry policy for History Index saves. Every
// save error is retried until the attempt budget runs out.
func HistorySaveRetry(c config.HistoryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.SaveAttempts > 0 {
		cfg.MaxAttempts = c.SaveAttempts
	}
	if c.SaveBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.SaveBackoffMs) * time.Millisecond
	}
	cfg.MaxBackoff = 10 * cfg.InitialBackoff
	cfg.ShouldRetry = func(error) bool { return true }
	cfg.OnRetry = RetryLogger("history", "save")
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
