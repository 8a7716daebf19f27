package metrics

import (
	"errors"
	"fmt"
)

// ErrAlreadyInitialized is returned when the global OpenTelemetry meter
// provider has already been installed by another Registry.
var ErrAlreadyInitialized = errors.New("metrics exporter already initialized")

// InitializationError reports that the metrics registry could not be created.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize metrics registry: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// BindError reports that the metrics listener could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind metrics listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
