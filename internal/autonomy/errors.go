package autonomy

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidAction        = errors.New("autonomy: invalid action")
	ErrEngineNotRunning     = errors.New("autonomy: engine not running")
	ErrQueueItemNotFound    = errors.New("autonomy: queue item not found")
	ErrInvalidConfiguration = errors.New("autonomy: invalid configuration")
)

// ValidationError reports which field of an action could not be assessed.
// It matches ErrInvalidAction under errors.Is.
type ValidationError struct {
	ActionID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("invalid action %s: %s %s", e.ActionID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidAction }

// ConfigError reports a construction-time misconfiguration. It matches
// ErrInvalidConfiguration under errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }
