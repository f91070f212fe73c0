package call

import "fmt"

// Error codes surfaced to the application.
const (
	// CodeUnknown is a generic client-side failure.
	CodeUnknown = 31000
	// CodeConnectionError marks a signaling publish failure.
	CodeConnectionError = 31005
	// CodeMediaAcquisitionFailed marks an input device failure.
	CodeMediaAcquisitionFailed = 31201
	// CodePermissionDenied marks refused microphone access.
	CodePermissionDenied = 31401
	// CodeSignalingError marks a malformed or rejected exchange with
	// the server.
	CodeSignalingError = 53000
	// CodeMediaConnectionFailed marks an unrecoverable media
	// transport failure.
	CodeMediaConnectionFailed = 53405
)

// Error is a coded call error. Code identifies the failure class;
// Cause, when set, carries the underlying error.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("call error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("call error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
