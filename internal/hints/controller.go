package hints

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/framepulse/power-hint-advisor/internal/hal"
)

var (
	// ErrAlreadyRunning is returned by Start when a session is already up.
	ErrAlreadyRunning = errors.New("hint session is already running")
	// ErrNoThreadIDs is returned when a session would have no threads to watch.
	ErrNoThreadIDs = errors.New("hint session requires at least one thread id")
	// ErrDisconnected is returned once the controller has lost its service
	// connection. The instance is dead; the advisor builds a fresh one.
	ErrDisconnected = errors.New("hint session controller lost its service connection")
)

type flushReason int

const (
	flushNone flushReason = iota
	flushFirstReport
	flushStale
	flushDeviation
)

func (r flushReason) String() string {
	switch r {
	case flushFirstReport:
		return "first-report"
	case flushStale:
		return "stale"
	case flushDeviation:
		return "deviation"
	}
	return "none"
}

// ControllerStats is a point-in-time snapshot of one controller instance.
type ControllerStats struct {
	State                   SessionState
	QueuedSamples           int
	ReportsSent             uint64
	SamplesFlushed          uint64
	SuppressedSamples       uint64
	StaleFlushes            uint64
	TargetUpdatesSent       uint64
	TargetUpdatesSuppressed uint64
	Restarts                uint64
	LastReportedActual      time.Duration
	CurrentTarget           time.Duration
	ShouldReconnect         bool
}

// SessionController owns one hint session end to end: it batches actual work
// durations, decides when a report is worth its transmission cost, forwards
// target changes, and walks the session through restarts. One instance maps
// to one service connection; any transport failure retires the instance.
type SessionController interface {
	Start(threadIDs []int32) error
	SetThreadIDs(threadIDs []int32) error
	SetTargetWorkDuration(target time.Duration)
	SendActualWorkDuration(actual time.Duration, timestamp time.Time)
	State() SessionState
	IsRunning() bool
	ShouldReconnect() bool
	Stats() ControllerStats
	Close()
}

type sessionControllerImpl struct {
	log     logr.Logger
	service hal.PowerService
	tracer  SessionTracer
	opts    Options

	mutex           sync.Mutex
	state           SessionState
	session         hal.HintSession
	threadIDs       []int32
	queue           []hal.WorkDuration
	currentTarget   time.Duration
	actualGate      *deviationGate
	targetGate      *deviationGate
	staleness       *stalenessTracker
	normalizer      durationNormalizer
	shouldReconnect bool

	reportsSent             uint64
	samplesFlushed          uint64
	suppressedSamples       uint64
	staleFlushes            uint64
	targetUpdatesSent       uint64
	targetUpdatesSuppressed uint64
	restarts                uint64
}

func NewSessionController(service hal.PowerService, opts Options, tracer SessionTracer, logger logr.Logger) SessionController {
	opts = opts.withDefaults()
	if tracer == nil || !opts.TraceSessionData {
		tracer = nopTracer{}
	}

	c := &sessionControllerImpl{
		log:           logger,
		service:       service,
		tracer:        tracer,
		opts:          opts,
		state:         StateNotStarted,
		currentTarget: opts.DefaultTarget,
		actualGate:    newDeviationGate(opts.AllowedActualDeviation),
		targetGate:    newDeviationGate(opts.AllowedTargetDeviation),
		staleness:     newStalenessTracker(opts.StaleTimeout),
		normalizer:    durationNormalizer{enabled: opts.NormalizeTarget},
	}
	// The service learns a target with every session creation, so the target
	// baseline is always primed.
	c.targetGate.commit(opts.DefaultTarget)

	return c
}

func (c *sessionControllerImpl) Start(threadIDs []int32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch c.state {
	case StateRunning, StateNeedsRestart:
		return ErrAlreadyRunning
	case StateDisconnected:
		return ErrDisconnected
	}
	if len(threadIDs) == 0 {
		return ErrNoThreadIDs
	}

	c.threadIDs = slices.Clone(threadIDs)

	return c.createSessionLocked()
}

func (c *sessionControllerImpl) SetThreadIDs(threadIDs []int32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(threadIDs) == 0 {
		return ErrNoThreadIDs
	}

	switch c.state {
	case StateDisconnected:
		return ErrDisconnected
	case StateNotStarted:
		c.threadIDs = slices.Clone(threadIDs)
		return nil
	}

	if slices.Equal(c.threadIDs, threadIDs) {
		c.log.V(5).Info("thread ids unchanged, keeping session")
		return nil
	}

	c.threadIDs = slices.Clone(threadIDs)
	c.setStateLocked(StateNeedsRestart)
	c.log.V(4).Info("thread ids changed, session restart pending", "threadCount", len(threadIDs))

	return nil
}

func (c *sessionControllerImpl) SetTargetWorkDuration(target time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if target <= 0 {
		c.log.V(4).Info("ignoring non-positive target work duration", "targetDuration", target)
		return
	}

	c.currentTarget = target
	c.tracer.TraceTargetUpdate(target)

	if c.opts.NormalizeTarget {
		// Folded into the normalized actuals, never sent on its own.
		return
	}
	if !c.restartIfNeededLocked() || c.state != StateRunning {
		return
	}

	if !c.targetGate.shouldReport(target) {
		c.targetUpdatesSuppressed++
		c.log.V(5).Info("target update suppressed",
			"targetDuration", target,
			"lastSent", c.targetGate.last(),
		)
		return
	}

	if err := c.session.UpdateTargetWorkDuration(target); err != nil {
		c.disconnectLocked(err, "updateTargetWorkDuration")
		return
	}
	c.targetGate.commit(target)
	c.targetUpdatesSent++
	c.log.V(5).Info("target work duration sent", "targetDuration", target)
}

func (c *sessionControllerImpl) SendActualWorkDuration(actual time.Duration, timestamp time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if actual <= 0 {
		c.log.V(5).Info("dropping non-positive actual work duration", "actualDuration", actual)
		return
	}
	if !c.restartIfNeededLocked() || c.state != StateRunning {
		c.log.V(5).Info("no running session, dropping actual work duration")
		return
	}

	reported := c.normalizer.normalizeActual(actual, c.currentTarget, c.targetGate.last())
	c.queue = append(c.queue, hal.WorkDuration{Timestamp: timestamp, Duration: reported})

	now := getCurrentTimestamp()
	reason := c.flushReasonLocked(actual, now)
	if reason == flushNone {
		c.suppressedSamples++
		c.log.V(5).Info("actual work duration queued",
			"actualDuration", actual,
			"queuedSamples", len(c.queue),
		)
		return
	}

	c.flushLocked(actual, now, reason)
}

// flushReasonLocked decides whether the queue is worth transmitting right
// now. The rate limit only applies between the last reported raw actual and
// the newest raw sample; normalized values never feed back into it.
func (c *sessionControllerImpl) flushReasonLocked(rawActual time.Duration, now time.Time) flushReason {
	if !c.actualGate.everCommitted() {
		return flushFirstReport
	}
	if c.staleness.isStale(now) {
		return flushStale
	}
	if c.actualGate.shouldReport(rawActual) {
		return flushDeviation
	}
	return flushNone
}

func (c *sessionControllerImpl) flushLocked(rawActual time.Duration, now time.Time, reason flushReason) {
	batch := c.queue
	c.queue = nil

	if err := c.session.ReportActualWorkDuration(batch); err != nil {
		// The batch is gone either way; reconnecting rebuilds from live traffic.
		c.disconnectLocked(err, "reportActualWorkDuration")
		return
	}

	c.actualGate.commit(rawActual)
	c.staleness.touch(now)
	c.reportsSent++
	c.samplesFlushed += uint64(len(batch))
	if reason == flushStale {
		c.staleFlushes++
	}
	c.tracer.TraceActualReport(len(batch), batch[len(batch)-1].Duration, reason.String())
	c.log.V(5).Info("actual work durations reported",
		"batchSize", len(batch),
		"reason", reason,
	)
}

// restartIfNeededLocked tears down and recreates the session when a restart
// is pending. Returns whether a running session is available afterwards.
func (c *sessionControllerImpl) restartIfNeededLocked() bool {
	if c.state != StateNeedsRestart {
		return c.state == StateRunning
	}

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.disconnectLocked(err, "closeHintSession")
			return false
		}
		c.session = nil
	}
	c.restarts++

	return c.createSessionLocked() == nil
}

func (c *sessionControllerImpl) createSessionLocked() error {
	session, err := c.service.CreateHintSession(c.threadIDs, c.currentTarget)
	if err != nil {
		if errors.Is(err, hal.ErrUnsupported) {
			// Reconnecting cannot make sessions appear, so only retire the instance.
			c.log.Error(err, "power service cannot host hint sessions")
			c.setStateLocked(StateDisconnected)
		} else {
			c.disconnectLocked(err, "createHintSession")
		}
		return err
	}

	c.session = session
	c.targetGate.commit(c.currentTarget)
	c.setStateLocked(StateRunning)
	c.log.V(4).Info("hint session started",
		"threadCount", len(c.threadIDs),
		"targetDuration", c.currentTarget,
	)

	return nil
}

func (c *sessionControllerImpl) State() SessionState {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

func (c *sessionControllerImpl) IsRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state == StateRunning || c.state == StateNeedsRestart
}

func (c *sessionControllerImpl) ShouldReconnect() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.shouldReconnect
}

func (c *sessionControllerImpl) Stats() ControllerStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return ControllerStats{
		State:                   c.state,
		QueuedSamples:           len(c.queue),
		ReportsSent:             c.reportsSent,
		SamplesFlushed:          c.samplesFlushed,
		SuppressedSamples:       c.suppressedSamples,
		StaleFlushes:            c.staleFlushes,
		TargetUpdatesSent:       c.targetUpdatesSent,
		TargetUpdatesSuppressed: c.targetUpdatesSuppressed,
		Restarts:                c.restarts,
		LastReportedActual:      c.actualGate.last(),
		CurrentTarget:           c.currentTarget,
		ShouldReconnect:         c.shouldReconnect,
	}
}

func (c *sessionControllerImpl) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Error(err, "closing hint session failed")
			c.shouldReconnect = true
		}
		c.session = nil
	}
	if c.state != StateDisconnected {
		c.setStateLocked(StateNotStarted)
	}
}

func (c *sessionControllerImpl) setStateLocked(next SessionState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.log.V(4).Info("session state changed", "from", prev, "to", next)
	c.tracer.TraceStateChange(prev, next)
}

func (c *sessionControllerImpl) disconnectLocked(err error, operation string) {
	c.log.Error(err, "power service call failed, retiring session controller", "operation", operation)
	c.shouldReconnect = true
	c.session = nil
	c.setStateLocked(StateDisconnected)
}
