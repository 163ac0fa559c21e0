// Package status defines the observer interface the core reports progress
// and log messages through. It is implemented by external collaborators —
// a UI shell, a CLI progress bar, an HTTP status feed — never by the core
// itself.
package status

// Observer receives progress and log events from a long-running operation.
// User-visible messages (status.AddUserMessage) and debug detail
// (status.AddDebugMessage) are kept on separate channels.
type Observer interface {
	UpdateActivity(activity string)
	UpdatePercentDone(percent string)
	UpdateTimeRemaining(remaining string)
	UpdateKbps(kbps string)
	UpdateRetryCount(count string)
	UpdateProgressBar(fraction float64, indeterminate bool)
	Reset()
	AddUserMessage(msg string)
	AddDebugMessage(msg string)
}

// Null is an Observer that discards every event. Useful as a default when
// a caller does not care about progress reporting.
type Null struct{}

func (Null) UpdateActivity(string)             {}
func (Null) UpdatePercentDone(string)          {}
func (Null) UpdateTimeRemaining(string)        {}
func (Null) UpdateKbps(string)                 {}
func (Null) UpdateRetryCount(string)           {}
func (Null) UpdateProgressBar(float64, bool)   {}
func (Null) Reset()                            {}
func (Null) AddUserMessage(string)             {}
func (Null) AddDebugMessage(string)             {}

var _ Observer = Null{}
