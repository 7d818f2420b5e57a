package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// RunStore writes crawl run rows into Postgres.
type RunStore struct {
	db    DB
	table string
	clock syllabus.Clock
}

// NewRunStore constructs a RunStore over db.
func NewRunStore(db DB, table string, clock syllabus.Clock) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultRunsTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run syllabus.Run) error {
	query := fmt.Sprintf(`
INSERT INTO %s (generation, category, state, page, error, started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.table)
	_, err := s.db.Exec(ctx, query,
		run.Generation,
		run.Category,
		string(run.State),
		run.Page,
		run.Error,
		run.StartedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun moves a run to a new state.
func (s *RunStore) UpdateRun(
	ctx context.Context,
	generation string,
	state syllabus.RunState,
	page int,
	errText string,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET state = $1, page = $2, error = $3, updated_at = $4
WHERE generation = $5`, s.table)
	tag, err := s.db.Exec(ctx, query, string(state), page, errText, s.clock.Now(), generation)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", generation, syllabus.ErrNotFound)
	}
	return nil
}

// GetRun reads one run row.
func (s *RunStore) GetRun(ctx context.Context, generation string) (syllabus.Run, error) {
	query := fmt.Sprintf(`
SELECT generation, category, state, page, error, started_at, updated_at
FROM %s WHERE generation = $1`, s.table)
	run, err := scanRun(s.db.QueryRow(ctx, query, generation))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return syllabus.Run{}, fmt.Errorf("run %s: %w", generation, syllabus.ErrNotFound)
		}
		return syllabus.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]syllabus.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT generation, category, state, page, error, started_at, updated_at
FROM %s ORDER BY started_at DESC LIMIT $1`, s.table)
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []syllabus.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (syllabus.Run, error) {
	var (
		run   syllabus.Run
		state string
	)
	err := row.Scan(
		&run.Generation,
		&run.Category,
		&state,
		&run.Page,
		&run.Error,
		&run.StartedAt,
		&run.UpdatedAt,
	)
	run.State = syllabus.RunState(state)
	return run, err
}
