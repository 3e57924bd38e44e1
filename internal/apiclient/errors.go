package apiclient

import (
	"errors"
	"fmt"
)

// ErrRequestFailed matches a *RequestFailedError.
var ErrRequestFailed = errors.New("api request failed")

// RequestFailedError is returned when every attempt failed at the transport level.
type RequestFailedError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("api request to %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func (e *RequestFailedError) Is(target error) bool { return target == ErrRequestFailed }

// ApplicationError is a non-2xx response.
type ApplicationError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("api %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an ApplicationError with the given status code.
func IsStatus(err error, code int) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr) && appErr.StatusCode == code
}
