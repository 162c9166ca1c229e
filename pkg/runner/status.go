package runner

import "fmt"

// FormatStatus renders the status line shared by every runner:
//
//	'<name>' is currently running. - [index/count]
func FormatStatus(name string, state State, index, count int) string {
	progress := fmt.Sprintf("[%d/%d]", index, count)
	var phrase string
	switch state {
	case StateJustInited:
		phrase = "is idle."
	case StateNotStarted:
		phrase = "not started yet."
	case StateRunning:
		phrase = "is currently running."
	case StateStopped:
		phrase = "is stopped."
	case StateStopping:
		phrase = "is stopping."
	case StateCompleted:
		phrase = "has completed execution."
	case StateCanceled:
		phrase = "was cancelled."
	case StateFaulted:
		phrase = "faulted!!!"
	case StatePaused:
		phrase = "is paused."
	default:
		return "Unknown status. - " + progress
	}
	return fmt.Sprintf("'%s' %s - %s", name, phrase, progress)
}
