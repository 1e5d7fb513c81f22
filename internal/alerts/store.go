// Package alerts keeps the operator visible alerts raised by the
// conflict resolution engine in a local SQLite database.
package alerts

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - alerts table with open alert index
const currentSchemaVersion = 1

// Alert is a single open or acknowledged alert. Repeated raises of the same
// kind for the same document fold into one alert while it is open.
type Alert struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	DocumentID     string     `json:"document_id"`
	Message        string     `json:"message"`
	Occurrences    int64      `json:"occurrences"`
	FirstRaisedAt  time.Time  `json:"first_raised_at"`
	LastRaisedAt   time.Time  `json:"last_raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// ListOptions filters List
type ListOptions struct {
	Kind                string
	IncludeAcknowledged bool
	Limit               int
}

// Store is a SQLite backed alert sink
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open creates or opens the alert database at path. ":memory:" keeps the
// alerts for the lifetime of the process only.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.InternalError("failed to open alert database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to connect to alert database", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, path); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to apply pragmas", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to apply schema", err)
	}

	logger.Info("Alert store opened", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Raise records an alert. An open alert with the same kind and document
// is updated in place and its occurrence count bumped.
func (s *Store) Raise(ctx context.Context, kind, documentID, message string) error {
	now := s.now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.InternalError("failed to begin alert transaction", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM alerts WHERE kind = ? AND document_id = ? AND acknowledged_at IS NULL`,
		kind, documentID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO alerts (id, kind, document_id, message, occurrences, first_raised_at, last_raised_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			id, kind, documentID, message, now, now)
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE alerts SET message = ?, occurrences = occurrences + 1, last_raised_at = ? WHERE id = ?`,
			message, now, id)
	}
	if err != nil {
		return errors.InternalError("failed to record alert", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.InternalError("failed to commit alert", err)
	}

	s.logger.Warn("Alert raised",
		zap.String("alert_id", id),
		zap.String("kind", kind),
		zap.String("document_id", documentID),
		zap.String("message", message))
	return nil
}

// Acknowledge closes an open alert. A later raise for the same document
// opens a new one.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		s.now().UTC().UnixNano(), id)
	if err != nil {
		return errors.InternalError("failed to acknowledge alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to acknowledge alert", err)
	}
	if n == 0 {
		return errors.InvalidArgument(fmt.Sprintf("no open alert %s", id), nil)
	}
	return nil
}

// List returns alerts ordered by the time they were first raised
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Alert, error) {
	query := `SELECT id, kind, document_id, message, occurrences, first_raised_at, last_raised_at, acknowledged_at
		FROM alerts WHERE 1 = 1`
	var args []any
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	if !opts.IncludeAcknowledged {
		query += ` AND acknowledged_at IS NULL`
	}
	query += ` ORDER BY first_raised_at, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.InternalError("failed to list alerts", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a           Alert
			first, last int64
			acked       sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Kind, &a.DocumentID, &a.Message, &a.Occurrences, &first, &last, &acked); err != nil {
			return nil, errors.InternalError("failed to scan alert", err)
		}
		a.FirstRaisedAt = time.Unix(0, first).UTC()
		a.LastRaisedAt = time.Unix(0, last).UTC()
		if acked.Valid {
			t := time.Unix(0, acked.Int64).UTC()
			a.AcknowledgedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed to list alerts", err)
	}
	return out, nil
}

func applyPragmas(db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
