package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSensorFailed is returned by Service.Run when the presence sensor
	// reports an unrecoverable error. The process is expected to exit.
	ErrSensorFailed = errors.New("core: sensor failed")
	// ErrStopped is returned when an operation is submitted after the event
	// loop has exited.
	ErrStopped = errors.New("core: service stopped")
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP status codes or websocket replies.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
