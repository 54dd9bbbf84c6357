package screening

import (
	"sort"
	"strconv"
)

// FormatRange renders a pair of bounds for display: "70 - 99", "≥ 70",
// "≤ 99", or "N/A" without bounds. Equal bounds render as a single number.
func FormatRange(lower, higher *float64) string {
	switch {
	case lower != nil && higher != nil:
		if *lower == *higher {
			return formatNumber(*lower)
		}
		return formatNumber(*lower) + " - " + formatNumber(*higher)
	case lower != nil:
		return "≥ " + formatNumber(*lower)
	case higher != nil:
		return "≤ " + formatNumber(*higher)
	default:
		return "N/A"
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SortByDiagnosticGroup orders results by diagnostic group for display,
// keeping the original order within a group.
func SortByDiagnosticGroup(results []ClassifiedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Metric.DiagnosticGroup < results[j].Metric.DiagnosticGroup
	})
}
