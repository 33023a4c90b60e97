package hints

import "time"

// OneShotTimer drives the display-update-imminent debounce: armed or re-armed
// with Reset, it fires its callback once after the given delay.
type OneShotTimer interface {
	Reset(after time.Duration)
	Stop()
}

var newOneShotTimerFunc = newOneShotTimer

type oneShotTimer struct {
	timer *time.Timer
}

func newOneShotTimer(after time.Duration, callback func()) OneShotTimer {
	return &oneShotTimer{timer: time.AfterFunc(after, callback)}
}

func (t *oneShotTimer) Reset(after time.Duration) {
	t.timer.Reset(after)
}

func (t *oneShotTimer) Stop() {
	t.timer.Stop()
}
