// Package hal is the client-side boundary to the platform power service. The
// power service owns frequency selection; this side only opens hint sessions,
// streams timing reports into them, and flips the coarse boost/mode switches.
package hal

import (
	"errors"
	"time"
)

// Feature names advertised by the power service in its initial message.
const (
	FeatureHintSessions          = "hint_sessions"
	FeatureExpensiveRendering    = "expensive_rendering"
	FeatureDisplayUpdateImminent = "display_update_imminent"
)

var (
	// ErrUnsupported marks features the connected power service does not provide.
	ErrUnsupported = errors.New("feature not supported by the power service")
	// ErrTransport marks I/O or remote failures. The service connection cannot
	// be trusted afterwards and has to be reestablished.
	ErrTransport = errors.New("power service transport failure")
)

// WorkDuration is one timestamped sample of how long a unit of pipeline work
// actually took.
type WorkDuration struct {
	Timestamp time.Time
	Duration  time.Duration
}

type PowerService interface {
	Supports(feature string) bool
	CreateHintSession(threadIDs []int32, targetDuration time.Duration) (HintSession, error)
	SetExpensiveRendering(enabled bool) error
	NotifyDisplayUpdateImminent() error
	Close() error
}

type HintSession interface {
	UpdateTargetWorkDuration(targetDuration time.Duration) error
	ReportActualWorkDuration(batch []WorkDuration) error
	Close() error
}
