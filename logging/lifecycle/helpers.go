// Package lifecycle names the control events that describe program lifecycle
// rather than edits.
package lifecycle

const (
	// TypeGreenFlag is logged when the user starts the program. It also
	// triggers an immediate flush.
	TypeGreenFlag = "greenFlag"
	// TypeStopAll is logged when the user stops every running script.
	TypeStopAll = "stopAll"

	TypeTurboModeOn    = "turbo_mode_on"
	TypeTurboModeOff   = "turbo_mode_off"
	TypeRuntimeStarted = "runtime_started"
)

// Host runtime notifications the pipeline subscribes to.
const (
	NotifyTurboModeOn    = "TURBO_MODE_ON"
	NotifyTurboModeOff   = "TURBO_MODE_OFF"
	NotifyRuntimeStarted = "RUNTIME_STARTED"
)

// Subscription pairs a host notification with the control event it is logged
// as.
type Subscription struct {
	Notification string
	Type         string
}

// Subscriptions is the fixed set of host notifications that are logged.
func Subscriptions() []Subscription {
	return []Subscription{
		{Notification: NotifyTurboModeOn, Type: TypeTurboModeOn},
		{Notification: NotifyTurboModeOff, Type: TypeTurboModeOff},
		{Notification: NotifyRuntimeStarted, Type: TypeRuntimeStarted},
	}
}
