package screening

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/labflag/labflag/internal/platform/hl7v2"
)

// GenderAny is the metric gender that matches every patient.
const GenderAny = "Any"

// MetricDefinition is one reference-range record. A nil bound means no bound
// on that side; a nil age or gender means the metric is unconstrained there.
type MetricDefinition struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Codes           []string  `json:"oru_sonic_codes"`
	Units           []string  `json:"oru_sonic_units"`
	Diagnostic      string    `json:"diagnostic"`
	DiagnosticGroup string    `json:"diagnostic_groups"`
	MinAge          *int      `json:"min_age"`
	MaxAge          *int      `json:"max_age"`
	Gender          *string   `json:"gender"`
	StandardLower   *float64  `json:"standard_lower"`
	StandardHigher  *float64  `json:"standard_higher"`
	EverlabLower    *float64  `json:"everlab_lower"`
	EverlabHigher   *float64  `json:"everlab_higher"`
}

// MatchesCode reports whether code and unit are both among the metric's aliases.
func (m *MetricDefinition) MatchesCode(code, unit string) bool {
	return contains(m.Codes, code) && contains(m.Units, unit)
}

// AppliesTo reports whether the metric's age and gender constraints accept
// pc. Unknown age or gender in pc never excludes a metric.
func (m *MetricDefinition) AppliesTo(pc hl7v2.PatientContext) bool {
	if pc.Age != nil {
		if m.MinAge != nil && *pc.Age < *m.MinAge {
			return false
		}
		if m.MaxAge != nil && *pc.Age > *m.MaxAge {
			return false
		}
	}
	if pc.Gender != nil && m.Gender != nil {
		if *m.Gender != GenderAny && *m.Gender != *pc.Gender {
			return false
		}
	}
	return true
}

// Validate checks a definition before it is stored.
func (m *MetricDefinition) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Codes) == 0 {
		return fmt.Errorf("%s: at least one code is required", m.Name)
	}
	if len(m.Units) == 0 {
		return fmt.Errorf("%s: at least one unit is required", m.Name)
	}
	if m.MinAge != nil && m.MaxAge != nil && *m.MinAge > *m.MaxAge {
		return fmt.Errorf("%s: min_age %d exceeds max_age %d", m.Name, *m.MinAge, *m.MaxAge)
	}
	if m.StandardLower != nil && m.StandardHigher != nil && *m.StandardLower > *m.StandardHigher {
		return fmt.Errorf("%s: standard_lower exceeds standard_higher", m.Name)
	}
	if m.EverlabLower != nil && m.EverlabHigher != nil && *m.EverlabLower > *m.EverlabHigher {
		return fmt.Errorf("%s: everlab_lower exceeds everlab_higher", m.Name)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Flags are the four range comparisons. All four are nil when the value
// was not numeric.
type Flags struct {
	LowerThanStandard  *bool `json:"lower_than_standard"`
	HigherThanStandard *bool `json:"higher_than_standard"`
	LowerThanEverlab   *bool `json:"lower_than_everlab"`
	HigherThanEverlab  *bool `json:"higher_than_everlab"`
}

func (f Flags) OutOfStandardRange() bool {
	return isTrue(f.LowerThanStandard) || isTrue(f.HigherThanStandard)
}

func (f Flags) OutOfEverlabRange() bool {
	return isTrue(f.LowerThanEverlab) || isTrue(f.HigherThanEverlab)
}

func isTrue(b *bool) bool { return b != nil && *b }

// Evaluation is the outcome of comparing one observation with one applicable
// metric, whether or not it is reported.
type Evaluation struct {
	Observation hl7v2.Observation
	Metric      MetricDefinition
	// Value is nil when the observation is not numeric.
	Value *float64
	Flags Flags
}

// ClassifiedResult is an observation reported as outside a metric's
// standard range.
type ClassifiedResult struct {
	Code   string           `json:"code"`
	Unit   string           `json:"unit"`
	Value  float64          `json:"value"`
	Metric MetricDefinition `json:"metric"`
	Flags
	StandardRange string `json:"standard_range"`
	EverlabRange  string `json:"everlab_range"`
}
