package lockin

import "errors"

// Errors returned by the lock-in components.
var (
	ErrNotInitialized       = errors.New("not initialized")
	ErrNotRunning           = errors.New("not running")
	ErrAlreadyRunning       = errors.New("already running")
	ErrNoDataSource         = errors.New("no data source is configured for use with the lock-in amplifier")
	ErrNoModulationSource   = errors.New("no modulation source is configured for use with the lock-in amplifier")
	ErrFrequencyUnavailable = errors.New("modulation frequency is not yet settled")
	ErrBadFrequency         = errors.New("frequency must be positive")
)
