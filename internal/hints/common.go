// Package hints implements the power hint session core: rate limiting of
// actual/target work duration reports, session lifecycle, and the advisor
// that supervises the connection to the platform power service.
package hints

import "time"

const (
	// DefaultAllowedActualDeviation is the fraction by which a new actual
	// duration must differ from the last reported one before it is worth
	// another report.
	DefaultAllowedActualDeviation = 0.1
	// DefaultAllowedTargetDeviation is the same threshold for target updates.
	DefaultAllowedTargetDeviation = 0.1
	// DefaultStaleTimeout bounds the silence between reports. The power
	// service expires idle sessions after 100ms, so a keep-alive report is
	// forced at 80% of that.
	DefaultStaleTimeout = 80 * time.Millisecond
	// DefaultTargetDuration seeds new sessions and the normalization baseline
	// until the pipeline supplies a real target. The exact value does not
	// matter much, it only has to be stable.
	DefaultTargetDuration = 50 * time.Millisecond
	// DefaultTargetSafetyMargin moves the forwarded target earlier than the
	// pipeline deadline. Actual durations are measured slightly late (from the
	// end of the submit call), so the margin keeps small overruns from
	// becoming missed deadlines.
	DefaultTargetSafetyMargin = 2 * time.Millisecond
	// DefaultDisplayUpdateImminentDebounce is how long the screen must stay
	// untouched before another display-update-imminent boost may be sent.
	DefaultDisplayUpdateImminentDebounce = 80 * time.Millisecond
)

var getCurrentTimestamp = time.Now

// DisplayID identifies a physical display to the expensive rendering tracker.
type DisplayID uint64

type Options struct {
	AllowedActualDeviation        float64
	AllowedTargetDeviation        float64
	StaleTimeout                  time.Duration
	DefaultTarget                 time.Duration
	TargetSafetyMargin            time.Duration
	DisplayUpdateImminentDebounce time.Duration
	// NormalizeTarget folds target changes into the reported actuals instead
	// of sending them separately, saving one call per target change.
	NormalizeTarget bool
	// TraceSessionData forwards per-report telemetry to the session tracer.
	TraceSessionData bool
}

func DefaultOptions() Options {
	return Options{
		AllowedActualDeviation:        DefaultAllowedActualDeviation,
		AllowedTargetDeviation:        DefaultAllowedTargetDeviation,
		StaleTimeout:                  DefaultStaleTimeout,
		DefaultTarget:                 DefaultTargetDuration,
		TargetSafetyMargin:            DefaultTargetSafetyMargin,
		DisplayUpdateImminentDebounce: DefaultDisplayUpdateImminentDebounce,
		NormalizeTarget:               true,
	}
}

func (o Options) withDefaults() Options {
	if o.AllowedActualDeviation <= 0 {
		o.AllowedActualDeviation = DefaultAllowedActualDeviation
	}
	if o.AllowedTargetDeviation <= 0 {
		o.AllowedTargetDeviation = DefaultAllowedTargetDeviation
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.DefaultTarget <= 0 {
		o.DefaultTarget = DefaultTargetDuration
	}
	if o.TargetSafetyMargin < 0 {
		o.TargetSafetyMargin = DefaultTargetSafetyMargin
	}
	if o.DisplayUpdateImminentDebounce <= 0 {
		o.DisplayUpdateImminentDebounce = DefaultDisplayUpdateImminentDebounce
	}
	return o
}

type SessionState int

const (
	StateNotStarted SessionState = iota
	StateRunning
	StateNeedsRestart
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateNeedsRestart:
		return "NeedsRestart"
	case StateDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// SessionTracer receives session telemetry when tracing is enabled.
// Implementations must be cheap, calls happen on the reporting path.
type SessionTracer interface {
	TraceActualReport(batchSize int, reportedActual time.Duration, reason string)
	TraceTargetUpdate(target time.Duration)
	TraceStateChange(from, to SessionState)
}

type nopTracer struct{}

func (nopTracer) TraceActualReport(int, time.Duration, string) {}
func (nopTracer) TraceTargetUpdate(time.Duration)              {}
func (nopTracer) TraceStateChange(SessionState, SessionState)  {}
