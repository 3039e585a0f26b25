package install

import "time"

// UI is the page surface the coordinator drives. Implementations must not
// call Coordinator.Dispatch synchronously from these methods.
type UI interface {
	ShowHeaderButton()
	HideHeaderButton()
	ShowFloatingButton()
	HideFloatingButton()
	// ShowPopup opens the Install / Maybe Later popup.
	ShowPopup()
	ClosePopup()
	ShowInstructions(msg string)
	ShowToast(msg string, d time.Duration)
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is a Clock backed by the time package.
var RealClock Clock = realClock{}
