package metric

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

// SQLStore keeps metric definitions in the alert_metrics table on either
// PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	clock   sqldb.Clock
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: sqldb.WallClock{}}
}

// WithClock replaces the timestamp source.
func (s *SQLStore) WithClock(c sqldb.Clock) *SQLStore {
	s.clock = c
	return s
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS alert_metrics (
	id %s,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	event_category TEXT NOT NULL,
	filter_json TEXT NOT NULL DEFAULT '{}',
	threshold BIGINT NOT NULL,
	window_seconds BIGINT NOT NULL,
	severity TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_metrics_category ON alert_metrics (event_category);
`, s.dialect.SerialPK())
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("metric: failed to init schema: %w", err)
	}
	return nil
}

const specColumns = `id, name, description, event_category, filter_json, threshold, window_seconds, severity, is_active, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, spec Spec) (Spec, error) {
	now := s.clock.Now()
	if spec.FilterJSON == "" {
		spec.FilterJSON = "{}"
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_metrics (name, description, event_category, filter_json, threshold, window_seconds, severity, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)
		RETURNING id`,
		spec.Name, spec.Description, spec.EventCategory, spec.FilterJSON,
		spec.Threshold, spec.WindowSeconds, string(spec.Severity),
		sqldb.UnixSeconds(now), sqldb.UnixSeconds(now),
	).Scan(&id)
	if err != nil {
		return Spec{}, fmt.Errorf("metric: failed to create %q: %w", spec.Name, err)
	}

	spec.ID = id
	spec.IsActive = false
	spec.CreatedAt = now.UTC()
	spec.UpdatedAt = now.UTC()
	return spec, nil
}

func (s *SQLStore) Update(ctx context.Context, spec Spec) (Spec, error) {
	now := s.clock.Now()
	if spec.FilterJSON == "" {
		spec.FilterJSON = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_metrics
		SET name = $1, description = $2, event_category = $3, filter_json = $4,
		    threshold = $5, window_seconds = $6, severity = $7, updated_at = $8
		WHERE id = $9`,
		spec.Name, spec.Description, spec.EventCategory, spec.FilterJSON,
		spec.Threshold, spec.WindowSeconds, string(spec.Severity),
		sqldb.UnixSeconds(now), spec.ID,
	)
	if err != nil {
		return Spec{}, fmt.Errorf("metric: failed to update %d: %w", spec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Spec{}, fmt.Errorf("metric: failed to check update of %d: %w", spec.ID, err)
	}
	if affected == 0 {
		return Spec{}, ErrNotFound
	}
	return s.Get(ctx, spec.ID)
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_metrics WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("metric: failed to delete %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metric: failed to check delete of %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM alert_metrics WHERE id = $1`, id)
	spec, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Spec{}, ErrNotFound
		}
		return Spec{}, fmt.Errorf("metric: failed to get %d: %w", id, err)
	}
	return spec, nil
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM alert_metrics WHERE name = $1`, name)
	spec, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Spec{}, ErrNotFound
		}
		return Spec{}, fmt.Errorf("metric: failed to get %q: %w", name, err)
	}
	return spec, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Spec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM alert_metrics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("metric: failed to list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSpecs(rows)
}

func (s *SQLStore) ListByCategory(ctx context.Context, category string) ([]Spec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM alert_metrics WHERE event_category = $1 ORDER BY id ASC`,
		category)
	if err != nil {
		return nil, fmt.Errorf("metric: failed to list category %s: %w", category, err)
	}
	defer func() { _ = rows.Close() }()
	return scanSpecs(rows)
}

func (s *SQLStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_metrics SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, sqldb.UnixSeconds(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("metric: failed to set active on %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metric: failed to check set active on %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_metrics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("metric: failed to count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (Spec, error) {
	var (
		spec     Spec
		severity string
		created  float64
		updated  float64
	)
	err := row.Scan(&spec.ID, &spec.Name, &spec.Description, &spec.EventCategory,
		&spec.FilterJSON, &spec.Threshold, &spec.WindowSeconds, &severity,
		&spec.IsActive, &created, &updated)
	if err != nil {
		return Spec{}, err
	}
	spec.Severity = Severity(severity)
	spec.CreatedAt = sqldb.FromUnixSeconds(created)
	spec.UpdatedAt = sqldb.FromUnixSeconds(updated)
	return spec, nil
}

func scanSpecs(rows *sql.Rows) ([]Spec, error) {
	specs := make([]Spec, 0)
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("metric: failed to scan: %w", err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metric: failed to iterate: %w", err)
	}
	return specs, nil
}
