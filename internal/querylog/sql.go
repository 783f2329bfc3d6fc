package querylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names accepted by OpenSQL; they double as database/sql driver names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const createTable = `CREATE TABLE IF NOT EXISTS query_log (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	query TEXT NOT NULL,
	preproc TEXT NOT NULL,
	agg_method TEXT NOT NULL,
	params TEXT NOT NULL,
	results TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT ''
)`

// SQLSink appends records to a query_log table. Rows are only ever inserted.
type SQLSink struct {
	db     *sql.DB
	insert string
}

// NewSQLSink wraps an open database. dialect selects placeholder syntax.
func NewSQLSink(db *sql.DB, dialect string) (*SQLSink, error) {
	var insert string
	switch dialect {
	case DialectSQLite:
		insert = `INSERT INTO query_log(id, ts, query, preproc, agg_method, params, results, note) VALUES(?,?,?,?,?,?,?,?)`
	case DialectPostgres:
		insert = `INSERT INTO query_log(id, ts, query, preproc, agg_method, params, results, note) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`
	default:
		return nil, fmt.Errorf("unsupported query log dialect %q", dialect)
	}
	return &SQLSink{db: db, insert: insert}, nil
}

// OpenSQL opens dsn with the driver named by dialect and ensures the table
// exists.
func OpenSQL(ctx context.Context, dialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLSink(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTable)
	return err
}

func (s *SQLSink) Append(ctx context.Context, rec Record) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return err
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.insert,
		rec.ID.String(),
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Query,
		rec.NormalizedQuery,
		rec.Method,
		string(params),
		string(results),
		rec.Note,
	)
	return err
}

func (s *SQLSink) Close() error { return s.db.Close() }
