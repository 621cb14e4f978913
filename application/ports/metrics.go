package ports

import "time"

// Cache lookup outcomes reported to MetricsRecorder.
const (
	CacheOutcomeHit   = "hit"
	CacheOutcomeMiss  = "miss"
	CacheOutcomeStale = "stale"
	CacheOutcomeError = "error"
)

// MetricsRecorder receives operational measurements from the services.
type MetricsRecorder interface {
	RecordRecompute(scope string, duration time.Duration, pairs, failed int, err error)
	RecordCacheLookup(outcome string)
	RecordWeightCorrections(count int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordRecompute(string, time.Duration, int, int, error) {}
func (NopMetrics) RecordCacheLookup(string)                               {}
func (NopMetrics) RecordWeightCorrections(int)                            {}
