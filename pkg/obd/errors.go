package obd

import "github.com/patrickmcquay/PcmHacks/internal/obderr"

// Reason classifies why an operation failed.
type Reason = obderr.Reason

const (
	ReasonError              = obderr.Error
	ReasonTruncated          = obderr.Truncated
	ReasonUnexpectedResponse = obderr.UnexpectedResponse
	ReasonTimeout            = obderr.Timeout
	ReasonCancelled          = obderr.Cancelled
	ReasonRefused            = obderr.Refused
)

// Error is the error type every operation in this module returns.
type Error = obderr.ObdError

// Is reports whether err is an *Error with the given Reason.
func Is(err error, reason Reason) bool { return obderr.Is(err, reason) }
