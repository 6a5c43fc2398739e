package devicesync

import "time"

// StartMode is how a START_AT is turned into local playback.
type StartMode string

const (
	// StartImmediate: the scheduled instant already passed.
	StartImmediate StartMode = "immediate"
	// StartScheduled: a timer fires at the target local time.
	StartScheduled StartMode = "scheduled"
	// StartClamped: the delay exceeded the ceiling; playback starts now.
	StartClamped StartMode = "clamped"
)

// StartPlan is the local schedule for one START_AT.
type StartPlan struct {
	Mode          StartMode
	TargetLocalMs int64
	DelayMs       int64
}

// PlanStart translates a server epoch into local scheduling using the current
// clock offset (server minus local).
func PlanStart(epochMs, offsetMs, localNowMs int64, ceiling time.Duration) StartPlan {
	target := epochMs - offsetMs
	delay := target - localNowMs

	plan := StartPlan{TargetLocalMs: target, DelayMs: delay}
	switch {
	case delay <= 0:
		plan.Mode = StartImmediate
	case delay > ceiling.Milliseconds():
		plan.Mode = StartClamped
	default:
		plan.Mode = StartScheduled
	}
	return plan
}

// DriftAction is the controller's response to a drift measurement.
type DriftAction string

const (
	DriftNone     DriftAction = "none"
	DriftCorrect  DriftAction = "correct"
	DriftSuppress DriftAction = "suppress"
)

// EvaluateDrift applies the tolerance and correction ceiling to driftMs.
func EvaluateDrift(driftMs int64, tolerance, ceiling time.Duration) DriftAction {
	abs := driftMs
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= tolerance.Milliseconds():
		return DriftNone
	case abs < ceiling.Milliseconds():
		return DriftCorrect
	default:
		return DriftSuppress
	}
}
