package common

import "errors"

// Error taxonomy shared by the state manager and its callers.
var (
	ErrStorage            = errors.New("storage error")
	ErrNotFound           = errors.New("not found")
	ErrConfig             = errors.New("config error")
	ErrExecution          = errors.New("execution error")
	ErrRaceCondition      = errors.New("race condition")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrInvalidSession     = errors.New("invalid session id")
)
