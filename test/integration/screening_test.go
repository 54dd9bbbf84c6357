//go:build integration

package integration

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflag/labflag/internal/domain/screening"
	"github.com/labflag/labflag/internal/platform/db"
	"github.com/labflag/labflag/migrations"
)

func seedMetrics(t *testing.T, ctx context.Context, repo screening.MetricRepository) {
	t.Helper()
	defs := []screening.MetricDefinition{
		{
			Name: "Glucose (adult female)", Codes: []string{"GLU", "GLUC"}, Units: []string{"mg/dL"},
			MinAge: ptrInt(18), MaxAge: ptrInt(64), Gender: ptrStr("F"),
			StandardLower: ptrFloat(70), StandardHigher: ptrFloat(99),
		},
		{
			Name: "Glucose (any)", Codes: []string{"GLU"}, Units: []string{"mg/dL"},
			Gender:        ptrStr(screening.GenderAny),
			StandardLower: ptrFloat(65), StandardHigher: ptrFloat(110),
			EverlabLower: ptrFloat(75), EverlabHigher: ptrFloat(95),
		},
		{
			Name: "Glucose (unconstrained)", Codes: []string{"GLU"}, Units: []string{"mg/dL", "mmol/L"},
			StandardHigher: ptrFloat(100),
		},
		{
			Name: "Sodium", Codes: []string{"NA"}, Units: []string{"mmol/L"},
			StandardLower: ptrFloat(135), StandardHigher: ptrFloat(145),
		},
	}
	for i := range defs {
		if err := repo.Create(ctx, &defs[i]); err != nil {
			t.Fatalf("seed %s: %v", defs[i].Name, err)
		}
	}
}

func names(defs []screening.MetricDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestMetricRepo_CreateGetList(t *testing.T) {
	pool := requirePool(t)
	resetMetrics(t, pool)
	ctx := context.Background()
	repo := screening.NewMetricRepoPG(pool)

	m := &screening.MetricDefinition{
		Name:            "Ferritin",
		Codes:           []string{"FER", "FERR"},
		Units:           []string{"ug/L"},
		Diagnostic:      "Iron studies",
		DiagnosticGroup: "Blood",
		StandardLower:   ptrFloat(30),
	}
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID == uuid.Nil {
		t.Fatal("expected ID to be assigned")
	}

	got, err := repo.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got.Codes, m.Codes) || got.DiagnosticGroup != "Blood" || got.StandardHigher != nil || *got.StandardLower != 30 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, screening.ErrMetricNotFound) {
		t.Errorf("expected ErrMetricNotFound, got %v", err)
	}

	items, total, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Errorf("expected 1 metric, got total=%d len=%d", total, len(items))
	}
}

func TestMetricRepo_Lookup(t *testing.T) {
	pool := requirePool(t)
	resetMetrics(t, pool)
	ctx := context.Background()
	repo := screening.NewMetricRepoPG(pool)
	seedMetrics(t, ctx, repo)

	tests := []struct {
		name   string
		code   string
		unit   string
		age    *int
		gender *string
		want   []string
	}{
		{"unknown context", "GLU", "mg/dL", nil, nil, []string{"Glucose (adult female)", "Glucose (any)", "Glucose (unconstrained)"}},
		{"adult female", "GLU", "mg/dL", ptrInt(35), ptrStr("F"), []string{"Glucose (adult female)", "Glucose (any)", "Glucose (unconstrained)"}},
		{"adult male", "GLU", "mg/dL", ptrInt(35), ptrStr("M"), []string{"Glucose (any)", "Glucose (unconstrained)"}},
		{"child female", "GLU", "mg/dL", ptrInt(10), ptrStr("F"), []string{"Glucose (any)", "Glucose (unconstrained)"}},
		{"age bound inclusive", "GLU", "mg/dL", ptrInt(64), ptrStr("F"), []string{"Glucose (adult female)", "Glucose (any)", "Glucose (unconstrained)"}},
		{"code alias", "GLUC", "mg/dL", nil, nil, []string{"Glucose (adult female)"}},
		{"unit alias", "GLU", "mmol/L", nil, nil, []string{"Glucose (unconstrained)"}},
		{"unit mismatch", "NA", "mg/dL", nil, nil, []string{}},
		{"partial code", "GL", "mg/dL", nil, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := repo.Lookup(ctx, tt.code, tt.unit, tt.age, tt.gender)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if got := names(defs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScreeningAgainstPostgres(t *testing.T) {
	pool := requirePool(t)
	resetMetrics(t, pool)
	ctx := context.Background()
	repo := screening.NewMetricRepoPG(pool)
	seedMetrics(t, ctx, repo)

	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	svc := screening.NewService(repo, zerolog.Nop(),
		screening.WithConcurrency(2),
		screening.WithClock(func() time.Time { return now }))

	raw := strings.Join([]string{
		"MSH|^~\\&|Lab|Fac|EHR|Fac|20250301||ORU^R01|A1|P|2.5.1",
		"PID|1||MRN1||Doe^Jane||19900115|F",
		"OBX|1|NM|2345-7^GLU^LN||105|mg/dL|70-99|H|||F",
		"OBX|2|NM|2951-2^NA^LN||150|mmol/L|135-145|H|||F",
	}, "\r")

	report, err := svc.Screen(ctx, raw)
	if err != nil {
		t.Fatalf("screen: %v", err)
	}

	var got []string
	for _, r := range report.Results {
		got = append(got, r.Metric.Name)
	}
	// 105 is inside the "any" standard range (65-110) and only above its everlab range.
	want := []string{"Glucose (adult female)", "Glucose (unconstrained)", "Sodium"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestImportCSV_RollsBackOnError(t *testing.T) {
	pool := requirePool(t)
	resetMetrics(t, pool)
	ctx := context.Background()
	repo := screening.NewMetricRepoPG(pool)

	data := "name,oru_sonic_codes,oru_sonic_units,standard_lower\n" +
		"Sodium,NA,mmol/L,135\n" +
		"Broken,K,mmol/L,not-a-number\n"

	err := db.InTx(ctx, pool, func(ctx context.Context) error {
		_, err := screening.ImportCSV(ctx, strings.NewReader(data), repo)
		return err
	})
	if err == nil {
		t.Fatal("expected import error")
	}

	_, total, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Errorf("expected rollback to leave no rows, got %d", total)
	}
}

func TestMigrator_Status(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()

	statuses, err := db.NewMigrator(pool, migrations.FS, "public").Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d (%s) not applied", s.Version, s.Name)
		}
	}

	n, err := db.NewMigrator(pool, migrations.FS, "public").Up(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected re-run to apply nothing, got %d, %v", n, err)
	}
}
