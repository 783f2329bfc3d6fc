package querylog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportrag/internal/domain"
)

func sampleRecord(query string) Record {
	return NewRecord(query, "i was charged twice", "hybrid",
		Params{ChunkHitsK: 12, Aggregation: "hybrid", Alpha: 0.7, KeywordBoost: 0.03, TitleBoost: 0.03, Threshold: 0.3, TopK: 3},
		[]domain.RankedResult{{ArticleID: "a1", Title: "Refunds", Score: 0.8, BestChunkID: "a1_0", BestChunkSnippet: "..."}},
	)
}

func TestFileSink_AppendsOneRecordPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recs.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, sampleRecord("I was charged twice")))
	require.NoError(t, sink.Append(ctx, sampleRecord("second query")))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "I was charged twice", lines[0]["query"])
	assert.Equal(t, "i was charged twice", lines[0]["preproc"])
	assert.Equal(t, "hybrid", lines[0]["agg_method"])
	assert.Equal(t, "second query", lines[1]["query"])
	assert.Len(t, lines[0]["results"], 1)
}

type brokenSink struct{ panics bool }

func (b brokenSink) Append(context.Context, Record) error {
	if b.panics {
		panic("boom")
	}
	return errors.New("disk full")
}
func (b brokenSink) Close() error { return nil }

func TestRecorder_SwallowsFailures(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder(brokenSink{}, nil).Record(context.Background(), sampleRecord("q"))
		NewRecorder(brokenSink{panics: true}, nil).Record(context.Background(), sampleRecord("q"))
		var nilRecorder *Recorder
		nilRecorder.Record(context.Background(), sampleRecord("q"))
	})
}

func TestSQLSink_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewSQLSink(db, DialectPostgres)
	require.NoError(t, err)

	rec := sampleRecord("I was charged twice")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO query_log(id, ts, query, preproc, agg_method, params, results, note) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`)).
		WithArgs(rec.ID.String(), sqlmock.AnyArg(), "I was charged twice", "i was charged twice", "hybrid", sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Append(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewSQLSink(db, DialectSQLite)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS query_log").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLSink_UnknownDialect(t *testing.T) {
	_, err := NewSQLSink(nil, "mysql")
	assert.Error(t, err)
}

func TestOpenSQL_SQLiteRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "querylog.db")
	sink, err := OpenSQL(context.Background(), DialectSQLite, dsn)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append(context.Background(), sampleRecord("q1")))
	require.NoError(t, sink.Append(context.Background(), sampleRecord("q2")))

	var n int
	require.NoError(t, sink.db.QueryRow(`SELECT COUNT(*) FROM query_log`).Scan(&n))
	assert.Equal(t, 2, n)
}
