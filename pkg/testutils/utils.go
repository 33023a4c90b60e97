// Package testutils provides shared mocks for the power service boundary.
package testutils

import (
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/framepulse/power-hint-advisor/internal/hal"
)

type MockPowerService struct {
	mock.Mock
}

func (m *MockPowerService) Supports(feature string) bool {
	return m.Called(feature).Bool(0)
}

func (m *MockPowerService) CreateHintSession(threadIDs []int32, targetDuration time.Duration) (hal.HintSession, error) {
	args := m.Called(threadIDs, targetDuration)
	session, _ := args.Get(0).(hal.HintSession)
	return session, args.Error(1)
}

func (m *MockPowerService) SetExpensiveRendering(enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *MockPowerService) NotifyDisplayUpdateImminent() error {
	return m.Called().Error(0)
}

func (m *MockPowerService) Close() error {
	return m.Called().Error(0)
}

type MockHintSession struct {
	mock.Mock
}

func (m *MockHintSession) UpdateTargetWorkDuration(targetDuration time.Duration) error {
	return m.Called(targetDuration).Error(0)
}

func (m *MockHintSession) ReportActualWorkDuration(batch []hal.WorkDuration) error {
	return m.Called(batch).Error(0)
}

func (m *MockHintSession) Close() error {
	return m.Called().Error(0)
}

// FakeOneShotTimer records arming calls; tests fire the timer callback
// themselves through whatever seam handed the callback out.
type FakeOneShotTimer struct {
	mutex   sync.Mutex
	resets  []time.Duration
	stopped bool
}

func (t *FakeOneShotTimer) Reset(after time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.resets = append(t.resets, after)
}

func (t *FakeOneShotTimer) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.stopped = true
}

func (t *FakeOneShotTimer) Resets() []time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return append([]time.Duration{}, t.resets...)
}

func (t *FakeOneShotTimer) Stopped() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.stopped
}
