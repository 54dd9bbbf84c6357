package screening

import "testing"

func TestFormatRange(t *testing.T) {
	tests := []struct {
		lower, higher *float64
		want          string
	}{
		{fptr(70), fptr(99), "70 - 99"},
		{fptr(0.5), fptr(1.25), "0.5 - 1.25"},
		{fptr(5), fptr(5), "5"},
		{fptr(3.5), nil, "≥ 3.5"},
		{nil, fptr(200), "≤ 200"},
		{nil, nil, "N/A"},
		{fptr(-1), fptr(0), "-1 - 0"},
	}
	for _, tt := range tests {
		if got := FormatRange(tt.lower, tt.higher); got != tt.want {
			t.Errorf("FormatRange = %q, want %q", got, tt.want)
		}
	}
}

func TestSortByDiagnosticGroup(t *testing.T) {
	mk := func(group, name string) ClassifiedResult {
		return ClassifiedResult{Metric: MetricDefinition{Name: name, DiagnosticGroup: group}}
	}
	results := []ClassifiedResult{
		mk("Lipids", "LDL"),
		mk("Blood", "HGB"),
		mk("Lipids", "HDL"),
		mk("", "Unknown"),
		mk("Blood", "HCT"),
	}

	SortByDiagnosticGroup(results)

	want := []string{"Unknown", "HGB", "HCT", "LDL", "HDL"}
	for i, name := range want {
		if results[i].Metric.Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, results[i].Metric.Name)
		}
	}
}
