package metrics

import "time"

var _ Recorder = NoopRecorder{}

// NoopRecorder discards all measurements. It is the default when the engine
// is built without WithMetrics.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
