package screening

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/labflag/labflag/internal/platform/hl7v2"
)

// ParseValue reads the longest leading decimal number of raw, after leading
// whitespace. Trailing text is ignored, so "6.2 H" reads as 6.2, while
// "trace" and "<5" have no numeric prefix and are not numeric.
func ParseValue(raw string) (float64, bool) {
	s := strings.TrimLeftFunc(raw, unicode.IsSpace)
	n := numericPrefix(s)
	if n == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[:n], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// numericPrefix returns the length of the decimal literal at the start of s:
// an optional sign, digits with an optional fraction, and an optional
// exponent. It returns 0 when s has no digits before any other character.
func numericPrefix(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	i = skipDigits(s, i)
	digits := i - start
	if i < len(s) && s[i] == '.' {
		end := skipDigits(s, i+1)
		if digits > 0 || end > i+1 {
			digits += end - i - 1
			i = end
		}
	}
	if digits == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if end := skipDigits(s, j); end > j {
			i = end
		}
	}
	return i
}

func skipDigits(s string, i int) int {
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}

// Evaluate compares obs with every candidate whose code, unit and
// demographic constraints match, in candidate order.
func Evaluate(obs hl7v2.Observation, pc hl7v2.PatientContext, candidates []MetricDefinition) []Evaluation {
	value, numeric := ParseValue(obs.RawValue)

	var out []Evaluation
	for _, m := range candidates {
		if !m.MatchesCode(obs.Code, obs.Unit) || !m.AppliesTo(pc) {
			continue
		}
		ev := Evaluation{Observation: obs, Metric: m}
		if numeric {
			v := value
			ev.Value = &v
			ev.Flags = Flags{
				LowerThanStandard:  below(v, m.StandardLower),
				HigherThanStandard: above(v, m.StandardHigher),
				LowerThanEverlab:   below(v, m.EverlabLower),
				HigherThanEverlab:  above(v, m.EverlabHigher),
			}
		}
		out = append(out, ev)
	}
	return out
}

// Classify returns the evaluations of obs that fall outside the standard
// range. Abnormalities on the everlab range alone are not reported.
func Classify(obs hl7v2.Observation, pc hl7v2.PatientContext, candidates []MetricDefinition) []ClassifiedResult {
	var out []ClassifiedResult
	for _, ev := range Evaluate(obs, pc, candidates) {
		if r, ok := ev.Result(); ok {
			out = append(out, r)
		}
	}
	return out
}

// Result converts the evaluation to a ClassifiedResult when it is a
// standard-range abnormality.
func (ev Evaluation) Result() (ClassifiedResult, bool) {
	if ev.Value == nil || !ev.Flags.OutOfStandardRange() {
		return ClassifiedResult{}, false
	}
	return ClassifiedResult{
		Code:          ev.Observation.Code,
		Unit:          ev.Observation.Unit,
		Value:         *ev.Value,
		Metric:        ev.Metric,
		Flags:         ev.Flags,
		StandardRange: FormatRange(ev.Metric.StandardLower, ev.Metric.StandardHigher),
		EverlabRange:  FormatRange(ev.Metric.EverlabLower, ev.Metric.EverlabHigher),
	}, true
}

func below(v float64, bound *float64) *bool {
	b := bound != nil && v < *bound
	return &b
}

func above(v float64, bound *float64) *bool {
	b := bound != nil && v > *bound
	return &b
}
