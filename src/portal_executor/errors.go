package portal_executor

import (
	"errors"
	"fmt"
)

// ErrAttemptTimeout marks an attempt abandoned at the controller's ceiling
var ErrAttemptTimeout = errors.New("login attempt exceeded its time limit")

// ConfigError is a settings problem that retrying cannot fix
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ResourceError means the executor could not set up or tear down what it
// drives (a process, a connection). It is retried like any failure.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// LoginError is a login or logout the portal did not accept
type LoginError struct {
	Reason string
	Code   int
	Err    error
}

func (e *LoginError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("portal rejected request (code %d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("portal rejected request: %s", e.Reason)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is, or wraps, a *ConfigError
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// IsResourceError reports whether err is, or wraps, a *ResourceError
func IsResourceError(err error) bool {
	var resErr *ResourceError
	return errors.As(err, &resErr)
}
