package fhirconv

import "time"

// Config carries the per-processor settings. A Config is immutable once the
// processor holds it and is read concurrently by every Convert call.
type Config struct {
	// TimeoutMS bounds one render invocation in wall-clock milliseconds.
	// Zero and negative values mean no time budget; the zero value of
	// Config therefore runs without a timeout.
	TimeoutMS int `yaml:"timeout_ms" json:"timeoutMilliseconds"`
}

// DefaultConfig runs conversions with no time budget.
func DefaultConfig() Config {
	return Config{}
}

// Timeout resolves the configured duration, zero when disabled.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
