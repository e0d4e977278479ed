package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/encoding/tabular"

	_ "modernc.org/sqlite"
)

// Store is a SQLite database holding the audit tables of one pipeline run.
// Each table is stored verbatim (all columns as TEXT) under a sanitized name.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore creates or opens the database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.E(err, "open audit db", path)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.E(err, fmt.Sprintf("apply pragma %q", pragma))
		}
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TableName turns a table label into a SQL identifier: lower case, with every
// character outside [a-z0-9_] replaced by '_'.
func TableName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || (b.String()[0] >= '0' && b.String()[0] <= '9') {
		return "t_" + b.String()
	}
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
}

// PutTable replaces the table called name with the contents of t.
func (s *Store) PutTable(ctx context.Context, name string, t *tabular.Table) (err error) {
	name = TableName(name)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(err, "begin", s.path)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return errors.E(err, "drop", name)
	}
	cols := make([]string, len(t.Header))
	marks := make([]string, len(t.Header))
	for i, h := range t.Header {
		cols[i] = quoteIdent(h) + " TEXT"
		marks[i] = "?"
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))); err != nil {
		return errors.E(err, "create", name)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(marks, ", ")))
	if err != nil {
		return errors.E(err, "prepare insert", name)
	}
	defer stmt.Close()
	args := make([]interface{}, len(t.Header))
	for _, row := range t.Rows {
		for i := range args {
			args[i] = tabular.Value(row, i)
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return errors.E(err, "insert", name)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E(err, "commit", name)
	}
	log.Debug.Printf("audit: stored %d rows in %s:%s", t.Len(), s.path, name)
	return nil
}

// PutLog stores the rejection log in the "rejections" table.
func (s *Store) PutLog(ctx context.Context, l *Log) error {
	return s.PutTable(ctx, "rejections", l.Table())
}

// Count returns the number of rows in the named table.
func (s *Store) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(TableName(name))).Scan(&n)
	return n, err
}

// Rejected returns the rejections recorded for a sample, in stage order.
func (s *Store) Rejected(ctx context.Context, sampleID string) ([]Rejection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, sample_id, reason, detail FROM rejections WHERE sample_id = ? ORDER BY stage, reason`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rejection
	for rows.Next() {
		var r Rejection
		if err := rows.Scan(&r.Stage, &r.SampleID, &r.Reason, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
