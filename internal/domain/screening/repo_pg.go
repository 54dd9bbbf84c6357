package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflag/labflag/internal/platform/db"
)

// listSeparator joins code and unit aliases in a single column.
const listSeparator = ";"

type metricRepoPG struct{ pool *pgxpool.Pool }

func NewMetricRepoPG(pool *pgxpool.Pool) MetricRepository {
	return &metricRepoPG{pool: pool}
}

func (r *metricRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const metricCols = `id, name, oru_sonic_codes, oru_sonic_units, diagnostic, diagnostic_groups,
	min_age, max_age, gender, standard_lower, standard_higher, everlab_lower, everlab_higher`

func scanMetric(row pgx.Row) (*MetricDefinition, error) {
	var m MetricDefinition
	var codes, units string
	err := row.Scan(&m.ID, &m.Name, &codes, &units, &m.Diagnostic, &m.DiagnosticGroup,
		&m.MinAge, &m.MaxAge, &m.Gender,
		&m.StandardLower, &m.StandardHigher, &m.EverlabLower, &m.EverlabHigher)
	if err != nil {
		return nil, err
	}
	m.Codes = splitList(codes)
	m.Units = splitList(units)
	return &m, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, listSeparator) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const lookupQuery = `SELECT ` + metricCols + ` FROM diagnostic_metrics
	WHERE $1 = ANY(string_to_array(oru_sonic_codes, ';'))
	  AND $2 = ANY(string_to_array(oru_sonic_units, ';'))
	  AND ($3::INT IS NULL OR min_age IS NULL OR $3 >= min_age)
	  AND ($3::INT IS NULL OR max_age IS NULL OR $3 <= max_age)
	  AND ($4::TEXT IS NULL OR gender IS NULL OR gender = $4 OR gender = 'Any')
	ORDER BY name, id`

func (r *metricRepoPG) Lookup(ctx context.Context, code, unit string, age *int, gender *string) ([]MetricDefinition, error) {
	rows, err := r.conn(ctx).Query(ctx, lookupQuery, code, unit, age, gender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricDefinition
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *metricRepoPG) Create(ctx context.Context, m *MetricDefinition) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnostic_metrics (`+metricCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.Name, strings.Join(m.Codes, listSeparator), strings.Join(m.Units, listSeparator),
		m.Diagnostic, m.DiagnosticGroup, m.MinAge, m.MaxAge, m.Gender,
		m.StandardLower, m.StandardHigher, m.EverlabLower, m.EverlabHigher)
	if err != nil {
		return fmt.Errorf("insert metric %q: %w", m.Name, err)
	}
	return nil
}

func (r *metricRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MetricDefinition, error) {
	m, err := scanMetric(r.conn(ctx).QueryRow(ctx, `SELECT `+metricCols+` FROM diagnostic_metrics WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMetricNotFound
	}
	return m, err
}

func (r *metricRepoPG) List(ctx context.Context, limit, offset int) ([]*MetricDefinition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM diagnostic_metrics`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+metricCols+` FROM diagnostic_metrics ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*MetricDefinition{}
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
