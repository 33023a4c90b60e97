package hints

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/framepulse/power-hint-advisor/internal/hal"
)

var (
	// ErrPowerHintsUnavailable is returned when hints are disabled or the
	// service does not support hint sessions.
	ErrPowerHintsUnavailable = errors.New("power hint sessions are disabled or unsupported")
	// ErrServiceUnavailable is returned when no power service connection can
	// be established right now. The next call attempts again.
	ErrServiceUnavailable = errors.New("power service is unavailable")
)

// ConnectFunc dials a fresh power service connection.
type ConnectFunc func() (hal.PowerService, error)

// Func definitions for unit testing
var (
	newSessionControllerFunc = NewSessionController
)

// AdvisorStats is a point-in-time snapshot of the advisor and its session.
type AdvisorStats struct {
	HintsEnabled            bool
	BootFinished            bool
	SupportChecked          bool
	SupportsPowerHints      bool
	ServiceConnected        bool
	ServiceConnects         uint64
	ExpensiveDisplays       int
	UsingExpensiveRendering bool
	Session                 ControllerStats
}

// Advisor sits between the rendering pipeline and the power service. It takes
// the full state of the process into account when sending out power hints:
// boot progress, whether hints are enabled and supported, which displays are
// rendering expensively, and whether the service connection needs rebuilding.
type Advisor interface {
	Init()
	OnBootFinished()
	EnablePowerHints(enabled bool)
	UsesPowerHintSession() bool
	SupportsPowerHintSession() bool
	IsPowerHintSessionRunning() bool
	StartPowerHintSession(threadIDs []int32) error
	SetHintSessionThreadIDs(threadIDs []int32) error
	SetTargetWorkDuration(target time.Duration)
	SendActualWorkDuration(actual time.Duration, timestamp time.Time)
	SetExpensiveRenderingExpected(display DisplayID, expected bool)
	IsUsingExpensiveRendering() bool
	NotifyDisplayUpdateImminent()
	CanNotifyDisplayUpdateImminent() bool
	Stats() AdvisorStats
	Close()
}

type advisorImpl struct {
	log     logr.Logger
	connect ConnectFunc
	opts    Options
	tracer  SessionTracer

	mutex              sync.Mutex
	service            hal.PowerService
	controller         SessionController
	reconnectRequested bool
	supportsHints      *bool
	lastThreadIDs      []int32
	lastTarget         time.Duration
	sessionWanted      bool
	serviceConnects    uint64

	expensiveDisplays          map[DisplayID]struct{}
	notifiedExpensiveRendering bool
	screenUpdateTimer          OneShotTimer

	hintsEnabled          atomic.Bool
	bootFinished          atomic.Bool
	sendUpdateImminent    atomic.Bool
	lastScreenUpdatedTime atomic.Int64
}

func NewAdvisor(connect ConnectFunc, opts Options, tracer SessionTracer, logger logr.Logger) Advisor {
	a := &advisorImpl{
		log:               logger,
		connect:           connect,
		opts:              opts.withDefaults(),
		tracer:            tracer,
		expensiveDisplays: map[DisplayID]struct{}{},
	}
	a.sendUpdateImminent.Store(true)

	return a
}

// Init arms the screen idle timer. Kept separate from construction so the
// advisor can exist before the process is ready to run timers.
func (a *advisorImpl) Init() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.screenUpdateTimer == nil {
		a.screenUpdateTimer = newOneShotTimerFunc(a.opts.DisplayUpdateImminentDebounce, a.onScreenIdleTimeout)
	}
}

func (a *advisorImpl) OnBootFinished() {
	a.bootFinished.Store(true)
	a.log.V(4).Info("boot finished, hint traffic unblocked")
}

func (a *advisorImpl) EnablePowerHints(enabled bool) {
	a.hintsEnabled.Store(enabled)
	a.log.V(4).Info("power hints toggled", "enabled", enabled)
}

func (a *advisorImpl) UsesPowerHintSession() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.usesPowerHintSessionLocked()
}

func (a *advisorImpl) SupportsPowerHintSession() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.supportsPowerHintSessionLocked()
}

func (a *advisorImpl) IsPowerHintSessionRunning() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.controller != nil && a.controller.IsRunning()
}

func (a *advisorImpl) StartPowerHintSession(threadIDs []int32) error {
	if len(threadIDs) == 0 {
		return ErrNoThreadIDs
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.usesPowerHintSessionLocked() {
		a.log.V(4).Info("not starting hint session, power hints disabled or unsupported")
		return ErrPowerHintsUnavailable
	}
	a.lastThreadIDs = slices.Clone(threadIDs)

	if a.resolveServiceLocked() == nil || a.controller == nil {
		return ErrServiceUnavailable
	}
	if a.controller.IsRunning() {
		return ErrAlreadyRunning
	}

	err := a.controller.Start(a.lastThreadIDs)
	if err == nil {
		a.sessionWanted = true
	}

	return err
}

func (a *advisorImpl) SetHintSessionThreadIDs(threadIDs []int32) error {
	if len(threadIDs) == 0 {
		return ErrNoThreadIDs
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.usesPowerHintSessionLocked() {
		return ErrPowerHintsUnavailable
	}
	a.lastThreadIDs = slices.Clone(threadIDs)

	if a.resolveServiceLocked() == nil || a.controller == nil {
		return ErrServiceUnavailable
	}

	return a.controller.SetThreadIDs(threadIDs)
}

func (a *advisorImpl) SetTargetWorkDuration(target time.Duration) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.usesPowerHintSessionLocked() {
		a.log.V(5).Info("power hint session not in use, skipping target update")
		return
	}

	// Targets are tightened by a safety margin: actuals are measured from the
	// end of the submit call, slightly after the work really finished.
	a.lastTarget = target - a.opts.TargetSafetyMargin

	if a.resolveServiceLocked() == nil || a.controller == nil {
		return
	}
	a.controller.SetTargetWorkDuration(a.lastTarget)
}

func (a *advisorImpl) SendActualWorkDuration(actual time.Duration, timestamp time.Time) {
	if !a.bootFinished.Load() {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.usesPowerHintSessionLocked() {
		return
	}
	if a.resolveServiceLocked() == nil || a.controller == nil {
		return
	}
	a.controller.SendActualWorkDuration(actual, timestamp)
}

func (a *advisorImpl) SetExpensiveRenderingExpected(display DisplayID, expected bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if expected {
		a.expensiveDisplays[display] = struct{}{}
	} else {
		delete(a.expensiveDisplays, display)
	}
	a.applyExpensiveRenderingLocked()
}

func (a *advisorImpl) IsUsingExpensiveRendering() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.notifiedExpensiveRendering
}

func (a *advisorImpl) NotifyDisplayUpdateImminent() {
	if !a.bootFinished.Load() {
		return
	}

	if a.sendUpdateImminent.CompareAndSwap(true, false) {
		a.mutex.Lock()
		sent := false
		if service := a.resolveServiceLocked(); service != nil {
			err := service.NotifyDisplayUpdateImminent()
			switch {
			case err == nil, errors.Is(err, hal.ErrUnsupported):
				sent = true
			default:
				a.log.Error(err, "sending display update imminent failed")
				a.reconnectRequested = true
			}
		}
		timer := a.screenUpdateTimer
		a.mutex.Unlock()

		if timer == nil || !sent {
			// No timer means no throttling; failed sends may retry immediately.
			a.sendUpdateImminent.Store(true)
		} else {
			timer.Reset(a.opts.DisplayUpdateImminentDebounce)
		}
	}

	a.lastScreenUpdatedTime.Store(getCurrentTimestamp().UnixNano())
}

func (a *advisorImpl) CanNotifyDisplayUpdateImminent() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	service := a.resolveServiceLocked()

	return service != nil && service.Supports(hal.FeatureDisplayUpdateImminent)
}

// Stats reads without resolving, a metrics scrape must never dial.
func (a *advisorImpl) Stats() AdvisorStats {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats := AdvisorStats{
		HintsEnabled:            a.hintsEnabled.Load(),
		BootFinished:            a.bootFinished.Load(),
		ServiceConnected:        a.service != nil,
		ServiceConnects:         a.serviceConnects,
		ExpensiveDisplays:       len(a.expensiveDisplays),
		UsingExpensiveRendering: a.notifiedExpensiveRendering,
	}
	if a.supportsHints != nil {
		stats.SupportChecked = true
		stats.SupportsPowerHints = *a.supportsHints
	}
	if a.controller != nil {
		stats.Session = a.controller.Stats()
	}

	return stats
}

func (a *advisorImpl) Close() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.screenUpdateTimer != nil {
		a.screenUpdateTimer.Stop()
		a.screenUpdateTimer = nil
	}
	a.discardServiceLocked()
}

func (a *advisorImpl) usesPowerHintSessionLocked() bool {
	return a.hintsEnabled.Load() && a.supportsPowerHintSessionLocked()
}

// supportsPowerHintSessionLocked probes support once and caches it, the
// underlying capability will not change at runtime. While the service is
// unreachable nothing is cached so a later connection can still answer.
func (a *advisorImpl) supportsPowerHintSessionLocked() bool {
	if a.supportsHints == nil {
		service := a.resolveServiceLocked()
		if service == nil {
			return false
		}
	}

	return a.supportsHints != nil && *a.supportsHints
}

// resolveServiceLocked returns a usable service connection, discarding and
// redialing when the previous one was retired. Session shape (thread ids,
// target, whether a session should be running) carries over to the fresh
// controller.
func (a *advisorImpl) resolveServiceLocked() hal.PowerService {
	if a.reconnectRequested {
		a.log.V(4).Info("reconnect requested, discarding power service connection")
		a.discardServiceLocked()
		a.reconnectRequested = false
	}
	if a.controller != nil && a.controller.ShouldReconnect() {
		a.log.V(4).Info("session controller retired itself, discarding power service connection")
		a.discardServiceLocked()
	}
	if a.service != nil {
		return a.service
	}

	service, err := a.connect()
	if err != nil {
		a.log.Error(err, "power service unavailable")
		return nil
	}
	a.service = service
	a.serviceConnects++

	if a.supportsHints == nil {
		supported := service.Supports(hal.FeatureHintSessions)
		a.supportsHints = &supported
	}

	a.controller = newSessionControllerFunc(service, a.opts, a.tracer, a.log.WithName("session"))

	// Rebuild the session exactly as the caller last shaped it.
	if len(a.lastThreadIDs) > 0 && !a.sessionWanted {
		if err := a.controller.SetThreadIDs(a.lastThreadIDs); err != nil {
			a.log.Error(err, "carrying thread ids over failed")
		}
	}
	if a.lastTarget > 0 {
		a.controller.SetTargetWorkDuration(a.lastTarget)
	}
	if a.sessionWanted && a.hintsEnabled.Load() && *a.supportsHints {
		if err := a.controller.Start(a.lastThreadIDs); err != nil {
			a.log.Error(err, "restarting hint session after reconnect failed")
		}
	}

	return a.service
}

func (a *advisorImpl) discardServiceLocked() {
	if a.controller != nil {
		a.controller.Close()
		a.controller = nil
	}
	if a.service != nil {
		if err := a.service.Close(); err != nil {
			a.log.V(4).Info("closing power service connection failed", "error", err)
		}
		a.service = nil
	}
}

func (a *advisorImpl) applyExpensiveRenderingLocked() {
	expectsExpensiveRendering := len(a.expensiveDisplays) > 0
	if a.notifiedExpensiveRendering == expectsExpensiveRendering {
		return
	}

	service := a.resolveServiceLocked()
	if service == nil {
		return
	}

	err := service.SetExpensiveRendering(expectsExpensiveRendering)
	switch {
	case err == nil, errors.Is(err, hal.ErrUnsupported):
		if err != nil {
			a.log.V(5).Info("expensive rendering not supported, skipping")
		}
		a.notifiedExpensiveRendering = expectsExpensiveRendering
	default:
		a.log.Error(err, "setting expensive rendering failed")
		a.reconnectRequested = true
	}
}

// onScreenIdleTimeout re-arms the update-imminent gate once the screen has
// been quiet for the full debounce window, and drops expensive rendering
// because nothing is drawing anymore. A recent screen update pushes the
// deadline out instead.
func (a *advisorImpl) onScreenIdleTimeout() {
	elapsed := getCurrentTimestamp().Sub(time.Unix(0, a.lastScreenUpdatedTime.Load()))
	if remaining := a.opts.DisplayUpdateImminentDebounce - elapsed; remaining > 0 {
		a.mutex.Lock()
		timer := a.screenUpdateTimer
		a.mutex.Unlock()
		if timer != nil {
			timer.Reset(remaining)
		}
		return
	}

	a.sendUpdateImminent.Store(true)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.expensiveDisplays) > 0 {
		a.log.V(4).Info("screen idle, dropping expensive rendering")
		clear(a.expensiveDisplays)
		a.applyExpensiveRenderingLocked()
	}
}
