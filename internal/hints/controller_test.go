package hints

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/framepulse/power-hint-advisor/internal/hal"
	"github.com/framepulse/power-hint-advisor/pkg/testutils"
)

func overrideClock(t *testing.T, start time.Time) *time.Time {
	origGetCurrentTimestamp := getCurrentTimestamp
	t.Cleanup(func() {
		getCurrentTimestamp = origGetCurrentTimestamp
	})

	now := start
	getCurrentTimestamp = func() time.Time {
		return now
	}

	return &now
}

func captureBatches(session *testutils.MockHintSession) *[][]hal.WorkDuration {
	batches := &[][]hal.WorkDuration{}
	session.On("ReportActualWorkDuration", mock.Anything).Run(func(args mock.Arguments) {
		batch := args.Get(0).([]hal.WorkDuration)
		*batches = append(*batches, append([]hal.WorkDuration{}, batch...))
	}).Return(nil)

	return batches
}

type recordedReport struct {
	batchSize int
	reported  time.Duration
	reason    string
}

type recordingTracer struct {
	mutex   sync.Mutex
	reports []recordedReport
	targets []time.Duration
	states  []string
}

func (r *recordingTracer) TraceActualReport(batchSize int, reportedActual time.Duration, reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.reports = append(r.reports, recordedReport{
		batchSize: batchSize,
		reported:  reportedActual,
		reason:    reason,
	})
}

func (r *recordingTracer) TraceTargetUpdate(target time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.targets = append(r.targets, target)
}

func (r *recordingTracer) TraceStateChange(from, to SessionState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.states = append(r.states, from.String()+"->"+to.String())
}

func TestSessionControllerStart(t *testing.T) {
	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", []int32{1, 2}, DefaultTargetDuration).Return(session, nil)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	assert.Equal(t, StateNotStarted, ctrl.State())
	assert.False(t, ctrl.IsRunning())

	assert.ErrorIs(t, ctrl.Start(nil), ErrNoThreadIDs)

	require.NoError(t, ctrl.Start([]int32{1, 2}))
	assert.Equal(t, StateRunning, ctrl.State())
	assert.True(t, ctrl.IsRunning())
	service.AssertCalled(t, "CreateHintSession", []int32{1, 2}, DefaultTargetDuration)

	assert.ErrorIs(t, ctrl.Start([]int32{1, 2}), ErrAlreadyRunning)
	service.AssertNumberOfCalls(t, "CreateHintSession", 1)
}

func TestSessionControllerStartFailures(t *testing.T) {
	tcases := []struct {
		testCase        string
		createErr       error
		shouldReconnect bool
	}{
		{
			testCase:        "Test Case 1 - Service without hint session support retires quietly",
			createErr:       fmt.Errorf("%w: %s", hal.ErrUnsupported, hal.FeatureHintSessions),
			shouldReconnect: false,
		},
		{
			testCase:        "Test Case 2 - Transport failure asks for a fresh connection",
			createErr:       fmt.Errorf("%w: connection reset", hal.ErrTransport),
			shouldReconnect: true,
		},
	}

	for _, tc := range tcases {
		t.Log(tc.testCase)

		service := new(testutils.MockPowerService)
		service.On("CreateHintSession", mock.Anything, mock.Anything).Return(nil, tc.createErr)

		ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
		assert.ErrorIs(t, ctrl.Start([]int32{1}), tc.createErr)
		assert.Equal(t, StateDisconnected, ctrl.State())
		assert.False(t, ctrl.IsRunning())
		assert.Equal(t, tc.shouldReconnect, ctrl.ShouldReconnect())

		assert.ErrorIs(t, ctrl.Start([]int32{1}), ErrDisconnected)
		assert.ErrorIs(t, ctrl.SetThreadIDs([]int32{1}), ErrDisconnected)
	}
}

func TestSessionControllerReportRateLimiting(t *testing.T) {
	now := overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	batches := captureBatches(session)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	// The very first sample has no baseline to compare against.
	firstTimestamp := *now
	ctrl.SendActualWorkDuration(50*time.Millisecond, firstTimestamp)

	// 52ms is within 10% of the reported 50ms and only queues up.
	*now = now.Add(10 * time.Millisecond)
	secondTimestamp := *now
	ctrl.SendActualWorkDuration(52*time.Millisecond, secondTimestamp)
	assert.Equal(t, 1, ctrl.Stats().QueuedSamples)

	// 60ms deviates by 20%, which flushes the held 52ms together with it
	// in submission order.
	*now = now.Add(10 * time.Millisecond)
	thirdTimestamp := *now
	ctrl.SendActualWorkDuration(60*time.Millisecond, thirdTimestamp)

	require.Len(t, *batches, 2)
	assert.Equal(t, []hal.WorkDuration{
		{Timestamp: firstTimestamp, Duration: 50 * time.Millisecond},
	}, (*batches)[0])
	assert.Equal(t, []hal.WorkDuration{
		{Timestamp: secondTimestamp, Duration: 52 * time.Millisecond},
		{Timestamp: thirdTimestamp, Duration: 60 * time.Millisecond},
	}, (*batches)[1])

	stats := ctrl.Stats()
	assert.Equal(t, uint64(2), stats.ReportsSent)
	assert.Equal(t, uint64(3), stats.SamplesFlushed)
	assert.Equal(t, uint64(1), stats.SuppressedSamples)
	assert.Equal(t, 0, stats.QueuedSamples)
	assert.Equal(t, 60*time.Millisecond, stats.LastReportedActual)
}

func TestSessionControllerStaleKeepAlive(t *testing.T) {
	now := overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	batches := captureBatches(session)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.SendActualWorkDuration(50*time.Millisecond, *now)
	require.Len(t, *batches, 1)

	// Exactly at the stale timeout the session is still considered fresh,
	// so an identical sample stays queued.
	*now = now.Add(DefaultStaleTimeout)
	ctrl.SendActualWorkDuration(50*time.Millisecond, *now)
	require.Len(t, *batches, 1)
	assert.Equal(t, 1, ctrl.Stats().QueuedSamples)

	// One more millisecond of silence and the queue goes out as a
	// keep-alive despite zero deviation.
	*now = now.Add(time.Millisecond)
	ctrl.SendActualWorkDuration(50*time.Millisecond, *now)
	require.Len(t, *batches, 2)
	assert.Len(t, (*batches)[1], 2)

	stats := ctrl.Stats()
	assert.Equal(t, uint64(1), stats.StaleFlushes)
	assert.Equal(t, uint64(2), stats.ReportsSent)
}

func TestSessionControllerTargetNormalization(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, DefaultTargetDuration).Return(session, nil)
	batches := captureBatches(session)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	// With normalization on, a target change is never transmitted on its
	// own. The service keeps hearing the 50ms it learned at creation.
	ctrl.SetTargetWorkDuration(60 * time.Millisecond)
	session.AssertNotCalled(t, "UpdateTargetWorkDuration", mock.Anything)

	// 64ms against the 60ms target is a 4ms overshoot, reported as 54ms
	// against the 50ms the service knows.
	ctrl.SendActualWorkDuration(64*time.Millisecond, time.Unix(1000, 0))
	require.Len(t, *batches, 1)
	assert.Equal(t, 54*time.Millisecond, (*batches)[0][0].Duration)

	// Rate limiting compares raw samples: 58ms is within 10% of the raw
	// 64ms even though the normalized values differ more.
	ctrl.SendActualWorkDuration(58*time.Millisecond, time.Unix(1001, 0))
	assert.Equal(t, 1, ctrl.Stats().QueuedSamples)

	// 80ms deviates by 25% raw and flushes, with both held samples
	// normalized against the transmitted target.
	ctrl.SendActualWorkDuration(80*time.Millisecond, time.Unix(1002, 0))
	require.Len(t, *batches, 2)
	assert.Equal(t, 48*time.Millisecond, (*batches)[1][0].Duration)
	assert.Equal(t, 70*time.Millisecond, (*batches)[1][1].Duration)

	session.AssertNotCalled(t, "UpdateTargetWorkDuration", mock.Anything)
}

func TestSessionControllerTargetGate(t *testing.T) {
	opts := DefaultOptions()
	opts.NormalizeTarget = false

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("UpdateTargetWorkDuration", mock.Anything).Return(nil)

	ctrl := NewSessionController(service, opts, nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	// 52ms is within 10% of the 50ms the session was created with.
	ctrl.SetTargetWorkDuration(52 * time.Millisecond)
	session.AssertNotCalled(t, "UpdateTargetWorkDuration", mock.Anything)

	ctrl.SetTargetWorkDuration(56 * time.Millisecond)
	session.AssertCalled(t, "UpdateTargetWorkDuration", 56*time.Millisecond)

	ctrl.SetTargetWorkDuration(56 * time.Millisecond)
	session.AssertNumberOfCalls(t, "UpdateTargetWorkDuration", 1)

	ctrl.SetTargetWorkDuration(0)
	ctrl.SetTargetWorkDuration(-time.Millisecond)
	session.AssertNumberOfCalls(t, "UpdateTargetWorkDuration", 1)

	stats := ctrl.Stats()
	assert.Equal(t, uint64(1), stats.TargetUpdatesSent)
	assert.Equal(t, uint64(2), stats.TargetUpdatesSuppressed)
	assert.Equal(t, 56*time.Millisecond, stats.CurrentTarget)
}

func TestSessionControllerTargetUpdateFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.NormalizeTarget = false

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("UpdateTargetWorkDuration", mock.Anything).Return(assert.AnError)

	ctrl := NewSessionController(service, opts, nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.SetTargetWorkDuration(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, ctrl.State())
	assert.True(t, ctrl.ShouldReconnect())
}

func TestSessionControllerThreadIDsUpdate(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("Close").Return(nil)
	captureBatches(session)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1, 2}))

	assert.ErrorIs(t, ctrl.SetThreadIDs(nil), ErrNoThreadIDs)

	// Identical thread ids keep the session untouched.
	require.NoError(t, ctrl.SetThreadIDs([]int32{1, 2}))
	assert.Equal(t, StateRunning, ctrl.State())

	// A changed set only marks the restart; the session survives until
	// the next sample actually needs it.
	require.NoError(t, ctrl.SetThreadIDs([]int32{3, 4}))
	assert.Equal(t, StateNeedsRestart, ctrl.State())
	assert.True(t, ctrl.IsRunning())
	service.AssertNumberOfCalls(t, "CreateHintSession", 1)

	ctrl.SendActualWorkDuration(50*time.Millisecond, time.Unix(1000, 0))
	session.AssertCalled(t, "Close")
	service.AssertCalled(t, "CreateHintSession", []int32{3, 4}, DefaultTargetDuration)
	assert.Equal(t, StateRunning, ctrl.State())
	assert.Equal(t, uint64(1), ctrl.Stats().Restarts)
	assert.Equal(t, uint64(1), ctrl.Stats().ReportsSent)
}

func TestSessionControllerThreadIDsBeforeStart(t *testing.T) {
	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.SetThreadIDs([]int32{7}))
	assert.Equal(t, StateNotStarted, ctrl.State())
	service.AssertNotCalled(t, "CreateHintSession", mock.Anything, mock.Anything)
}

func TestSessionControllerRestartUsesCurrentTarget(t *testing.T) {
	opts := DefaultOptions()
	opts.NormalizeTarget = false

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("Close").Return(nil)

	ctrl := NewSessionController(service, opts, nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))
	require.NoError(t, ctrl.SetThreadIDs([]int32{9}))

	// The pending restart happens before the target would be sent, and
	// session creation already carries the new target.
	ctrl.SetTargetWorkDuration(70 * time.Millisecond)
	service.AssertCalled(t, "CreateHintSession", []int32{9}, 70*time.Millisecond)
	session.AssertNotCalled(t, "UpdateTargetWorkDuration", mock.Anything)
	assert.Equal(t, uint64(1), ctrl.Stats().Restarts)
	assert.Equal(t, uint64(1), ctrl.Stats().TargetUpdatesSuppressed)
}

func TestSessionControllerReportFailure(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("ReportActualWorkDuration", mock.Anything).Return(fmt.Errorf("%w: broken pipe", hal.ErrTransport))

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.SendActualWorkDuration(50*time.Millisecond, time.Unix(1000, 0))
	assert.Equal(t, StateDisconnected, ctrl.State())
	assert.True(t, ctrl.ShouldReconnect())
	assert.Equal(t, 0, ctrl.Stats().QueuedSamples)

	// The retired instance swallows further traffic without touching the
	// service again.
	ctrl.SendActualWorkDuration(60*time.Millisecond, time.Unix(1001, 0))
	ctrl.SetTargetWorkDuration(100 * time.Millisecond)
	session.AssertNumberOfCalls(t, "ReportActualWorkDuration", 1)
	assert.Equal(t, uint64(0), ctrl.Stats().ReportsSent)
}

func TestSessionControllerRestartCloseFailure(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("Close").Return(assert.AnError)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))
	require.NoError(t, ctrl.SetThreadIDs([]int32{2}))

	ctrl.SendActualWorkDuration(50*time.Millisecond, time.Unix(1000, 0))
	assert.Equal(t, StateDisconnected, ctrl.State())
	assert.True(t, ctrl.ShouldReconnect())
	service.AssertNumberOfCalls(t, "CreateHintSession", 1)
}

func TestSessionControllerNonPositiveSamplesDropped(t *testing.T) {
	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.SendActualWorkDuration(0, time.Unix(1000, 0))
	ctrl.SendActualWorkDuration(-5*time.Millisecond, time.Unix(1000, 0))
	session.AssertNotCalled(t, "ReportActualWorkDuration", mock.Anything)
	assert.Equal(t, 0, ctrl.Stats().QueuedSamples)
}

func TestSessionControllerClose(t *testing.T) {
	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("Close").Return(nil)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.Close()
	session.AssertCalled(t, "Close")
	assert.Equal(t, StateNotStarted, ctrl.State())
	assert.False(t, ctrl.ShouldReconnect())

	// A closed controller may start over on the same connection.
	require.NoError(t, ctrl.Start([]int32{1}))
	assert.Equal(t, StateRunning, ctrl.State())
}

func TestSessionControllerCloseFailure(t *testing.T) {
	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	session.On("Close").Return(assert.AnError)

	ctrl := NewSessionController(service, DefaultOptions(), nil, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.Close()
	assert.True(t, ctrl.ShouldReconnect())
}

func TestSessionControllerTracing(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	opts := DefaultOptions()
	opts.TraceSessionData = true
	tracer := &recordingTracer{}

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	captureBatches(session)

	ctrl := NewSessionController(service, opts, tracer, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))

	ctrl.SetTargetWorkDuration(60 * time.Millisecond)
	ctrl.SendActualWorkDuration(64*time.Millisecond, time.Unix(1000, 0))

	assert.Equal(t, []string{"NotStarted->Running"}, tracer.states)
	assert.Equal(t, []time.Duration{60 * time.Millisecond}, tracer.targets)
	require.Len(t, tracer.reports, 1)
	assert.Equal(t, recordedReport{
		batchSize: 1,
		reported:  54 * time.Millisecond,
		reason:    "first-report",
	}, tracer.reports[0])
}

func TestSessionControllerTracingDisabled(t *testing.T) {
	overrideClock(t, time.Unix(1000, 0))

	tracer := &recordingTracer{}

	service := new(testutils.MockPowerService)
	session := new(testutils.MockHintSession)
	service.On("CreateHintSession", mock.Anything, mock.Anything).Return(session, nil)
	captureBatches(session)

	// TraceSessionData is off, so the tracer must stay silent even though
	// one was provided.
	ctrl := NewSessionController(service, DefaultOptions(), tracer, logr.Discard())
	require.NoError(t, ctrl.Start([]int32{1}))
	ctrl.SendActualWorkDuration(50*time.Millisecond, time.Unix(1000, 0))

	assert.Empty(t, tracer.states)
	assert.Empty(t, tracer.reports)
}
