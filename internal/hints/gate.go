package hints

import (
	"time"

	"github.com/framepulse/power-hint-advisor/pkg/numeric"
)

// deviationGate suppresses values that moved too little since the one last
// transmitted. The baseline advances only through commit, so a suppressed
// candidate never masks later drift away from what the service knows.
type deviationGate struct {
	allowedDeviation float64
	baseline         time.Duration
	committed        bool
}

func newDeviationGate(allowedDeviation float64) *deviationGate {
	return &deviationGate{allowedDeviation: allowedDeviation}
}

func (g *deviationGate) shouldReport(candidate time.Duration) bool {
	if !g.committed {
		return true
	}
	return numeric.DeviationFraction(g.baseline, candidate) > g.allowedDeviation
}

func (g *deviationGate) commit(candidate time.Duration) {
	g.baseline = candidate
	g.committed = true
}

func (g *deviationGate) last() time.Duration {
	return g.baseline
}

func (g *deviationGate) everCommitted() bool {
	return g.committed
}

// stalenessTracker remembers when the last report went out so the controller
// can keep the remote session alive before the service expires it.
type stalenessTracker struct {
	staleTimeout   time.Duration
	lastReportTime time.Time
}

func newStalenessTracker(staleTimeout time.Duration) *stalenessTracker {
	return &stalenessTracker{staleTimeout: staleTimeout}
}

func (t *stalenessTracker) isStale(now time.Time) bool {
	return now.Sub(t.lastReportTime) > t.staleTimeout
}

func (t *stalenessTracker) touch(now time.Time) {
	t.lastReportTime = now
}
