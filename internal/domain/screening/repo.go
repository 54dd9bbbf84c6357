package screening

import (
	"context"

	"github.com/google/uuid"
)

// RangeStore returns the metric definitions applicable to one observation.
// Implementations must match code and unit exactly and apply the age and
// gender filters of MetricDefinition.AppliesTo, skipping a filter whose
// argument is nil.
type RangeStore interface {
	Lookup(ctx context.Context, code, unit string, age *int, gender *string) ([]MetricDefinition, error)
}

// LookupFunc adapts a function to RangeStore.
type LookupFunc func(ctx context.Context, code, unit string, age *int, gender *string) ([]MetricDefinition, error)

func (f LookupFunc) Lookup(ctx context.Context, code, unit string, age *int, gender *string) ([]MetricDefinition, error) {
	return f(ctx, code, unit, age, gender)
}

// MetricRepository is the persistent store of metric definitions.
type MetricRepository interface {
	RangeStore
	Create(ctx context.Context, m *MetricDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*MetricDefinition, error)
	List(ctx context.Context, limit, offset int) ([]*MetricDefinition, int, error)
}
