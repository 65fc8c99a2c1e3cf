// Package history keeps a queryable log of served decisions in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one recorded decision.
type Entry struct {
	ID                  string    `json:"id"`
	CreatedAt           time.Time `json:"created_at"`
	Outcome             string    `json:"outcome"`
	Label               string    `json:"label,omitempty"`
	ReconstructionError *float64  `json:"reconstruction_error,omitempty"`
	Threshold           float64   `json:"threshold"`
	RiskLevel           string    `json:"risk_level"`
	Source              string    `json:"source"`
}

// Stats summarises the recorded decisions.
type Stats struct {
	Total     int            `json:"total"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByLabel   map[string]int `json:"by_label"`
	Oldest    *time.Time     `json:"oldest,omitempty"`
	Newest    *time.Time     `json:"newest,omitempty"`
}

// Store persists decisions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the history database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, assigning an id and timestamp when they are unset.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Source == "" {
		e.Source = "api"
	}
	if e.Outcome == "" {
		return Entry{}, errors.New("entry has no outcome")
	}

	var recon sql.NullFloat64
	if e.ReconstructionError != nil {
		recon = sql.NullFloat64{Float64: *e.ReconstructionError, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (id, created_at, outcome, label, reconstruction_error, threshold, risk_level, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UnixNano(), e.Outcome, e.Label, recon, e.Threshold, e.RiskLevel, e.Source,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("record prediction: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit %d must be positive", limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, outcome, label, reconstruction_error, threshold, risk_level, source
		FROM predictions
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			nanos int64
			recon sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &nanos, &e.Outcome, &e.Label, &recon, &e.Threshold, &e.RiskLevel, &e.Source); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, nanos)
		if recon.Valid {
			v := recon.Float64
			e.ReconstructionError = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts entries by outcome and by label.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByOutcome: make(map[string]int),
		ByLabel:   make(map[string]int),
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM predictions",
	).Scan(&st.Total, &oldest, &newest); err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		st.Oldest = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		st.Newest = &t
	}

	if err := s.countInto(ctx, "SELECT outcome, COUNT(*) FROM predictions GROUP BY outcome", st.ByOutcome); err != nil {
		return Stats{}, err
	}
	if err := s.countInto(ctx, "SELECT label, COUNT(*) FROM predictions WHERE label != '' GROUP BY label", st.ByLabel); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) countInto(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}

// Prune deletes entries created before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM predictions WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune predictions: %w", err)
	}
	return res.RowsAffected()
}
