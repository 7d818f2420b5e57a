package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// FingerprintStore remembers the last content hash of each subject.
type FingerprintStore struct {
	db    DB
	table string
	clock syllabus.Clock
}

// NewFingerprintStore constructs a FingerprintStore over db.
func NewFingerprintStore(db DB, table string, clock syllabus.Clock) (*FingerprintStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultFingerprintsTable)
	if err != nil {
		return nil, err
	}
	return &FingerprintStore{db: db, table: table, clock: clock}, nil
}

// SwapFingerprint upserts the fingerprint and returns the one it replaced in
// a single statement.
func (s *FingerprintStore) SwapFingerprint(ctx context.Context, key int, fingerprint string) (string, bool, error) {
	query := fmt.Sprintf(`
WITH prev AS (
	SELECT fingerprint FROM %[1]s WHERE subject_id = $1
)
INSERT INTO %[1]s (subject_id, fingerprint, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (subject_id) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint, updated_at = EXCLUDED.updated_at
RETURNING (SELECT fingerprint FROM prev)`, s.table)

	var previous *string
	if err := s.db.QueryRow(ctx, query, key, fingerprint, s.clock.Now()).Scan(&previous); err != nil {
		return "", false, fmt.Errorf("swap fingerprint %d: %w", key, err)
	}
	if previous == nil {
		return "", false, nil
	}
	return *previous, true, nil
}
