package screening

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// CSV columns accepted by ImportCSV. Column order is taken from the header.
const (
	colName           = "name"
	colCodes          = "oru_sonic_codes"
	colDiagnostic     = "diagnostic"
	colDiagnosticGrp  = "diagnostic_groups"
	colUnits          = "oru_sonic_units"
	colMinAge         = "min_age"
	colMaxAge         = "max_age"
	colGender         = "gender"
	colStandardLower  = "standard_lower"
	colStandardHigher = "standard_higher"
	colEverlabLower   = "everlab_lower"
	colEverlabHigher  = "everlab_higher"
)

var requiredColumns = []string{colName, colCodes, colUnits}

// ImportCSV reads metric definitions from r and stores each one with
// repo.Create. Empty cells are stored as NULL. It stops at the first bad
// row; callers wanting all-or-nothing semantics run it inside db.InTx.
func ImportCSV(ctx context.Context, r io.Reader, repo MetricRepository) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("import: empty file")
		}
		return 0, fmt.Errorf("import: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return 0, fmt.Errorf("import: missing column %q", c)
		}
	}
	cr.FieldsPerRecord = len(header)

	n := 0
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("import: row %d: %w", row, err)
		}

		m, err := metricFromRecord(rec, cols)
		if err != nil {
			return n, fmt.Errorf("import: row %d: %w", row, err)
		}
		if err := m.Validate(); err != nil {
			return n, fmt.Errorf("import: row %d: %w", row, err)
		}
		if err := repo.Create(ctx, m); err != nil {
			return n, fmt.Errorf("import: row %d: %w", row, err)
		}
		n++
	}
}

func metricFromRecord(rec []string, cols map[string]int) (*MetricDefinition, error) {
	cell := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	m := &MetricDefinition{
		Name:            cell(colName),
		Codes:           splitList(cell(colCodes)),
		Units:           splitList(cell(colUnits)),
		Diagnostic:      cell(colDiagnostic),
		DiagnosticGroup: cell(colDiagnosticGrp),
	}
	if g := cell(colGender); g != "" {
		m.Gender = &g
	}

	var err error
	if m.MinAge, err = optInt(colMinAge, cell(colMinAge)); err != nil {
		return nil, err
	}
	if m.MaxAge, err = optInt(colMaxAge, cell(colMaxAge)); err != nil {
		return nil, err
	}
	bounds := []struct {
		col string
		dst **float64
	}{
		{colStandardLower, &m.StandardLower},
		{colStandardHigher, &m.StandardHigher},
		{colEverlabLower, &m.EverlabLower},
		{colEverlabHigher, &m.EverlabHigher},
	}
	for _, b := range bounds {
		if *b.dst, err = optFloat(b.col, cell(b.col)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func optInt(col, s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not an integer", col, s)
	}
	return &v, nil
}

func optFloat(col, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%s: %q is not a number", col, s)
	}
	return &v, nil
}
