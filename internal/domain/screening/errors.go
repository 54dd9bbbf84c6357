package screening

import (
	"errors"
	"fmt"
)

// ErrMetricNotFound is returned when a metric ID does not exist.
var ErrMetricNotFound = errors.New("metric not found")

// LookupError reports a failed reference-range lookup for one observation.
type LookupError struct {
	Code string
	Unit string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup ranges for %s (%s): %v", e.Code, e.Unit, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
