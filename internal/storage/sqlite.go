package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"scrutiny-go/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS acquisitions (
	reference_id TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	acquired_at  INTEGER NOT NULL,
	samples      INTEGER NOT NULL,
	signals      INTEGER NOT NULL,
	data         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acquisitions_acquired_at ON acquisitions(acquired_at);
`

// SQLiteStore keeps acquisitions in a SQLite file. The dataset is stored as
// a msgpack blob next to the columns used for listing.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection, writes from concurrent completions queue here
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, acq *model.Acquisition) error {
	blob, err := msgpack.Marshal(acq)
	if err != nil {
		return fmt.Errorf("encode acquisition: %w", err)
	}
	sum := acq.Summary()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO acquisitions (reference_id, name, acquired_at, samples, signals, data) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ReferenceID, sum.Name, sum.AcquiredAt.UnixNano(), sum.Samples, sum.Signals, blob)
	if err != nil {
		return fmt.Errorf("insert acquisition %s: %w", acq.ReferenceID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, referenceID string) (*model.Acquisition, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM acquisitions WHERE reference_id = ?`, referenceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, referenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("select acquisition %s: %w", referenceID, err)
	}
	var acq model.Acquisition
	if err := msgpack.Unmarshal(blob, &acq); err != nil {
		return nil, fmt.Errorf("decode acquisition %s: %w", referenceID, err)
	}
	return &acq, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]model.AcquisitionSummary, error) {
	q := `SELECT reference_id, name, acquired_at, samples, signals FROM acquisitions ORDER BY acquired_at DESC, reference_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list acquisitions: %w", err)
	}
	defer rows.Close()

	out := []model.AcquisitionSummary{}
	for rows.Next() {
		var (
			sum model.AcquisitionSummary
			at  int64
		)
		if err := rows.Scan(&sum.ReferenceID, &sum.Name, &at, &sum.Samples, &sum.Signals); err != nil {
			return nil, fmt.Errorf("scan acquisition: %w", err)
		}
		sum.AcquiredAt = time.Unix(0, at).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, referenceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acquisitions WHERE reference_id = ?`, referenceID)
	if err != nil {
		return fmt.Errorf("delete acquisition %s: %w", referenceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, referenceID)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
