// Package ledger keeps the local upload history in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	_ "modernc.org/sqlite"

	"github.com/udl-tools/go-uploadkit/upload"
)

// ErrNotFound ...
var ErrNotFound = errors.New("upload not found in history")

// DefaultListLimit ...
const DefaultListLimit = 50

// Entry is one upload job in the history.
type Entry struct {
	JobID           string        `json:"job_id"`
	Name            string        `json:"name"`
	Backend         string        `json:"backend"`
	ContentType     string        `json:"content_type"`
	Checksum        string        `json:"checksum,omitempty"`
	SourceSize      int64         `json:"source_size"`
	TotalChunks     int           `json:"total_chunks"`
	ChunksCompleted int           `json:"chunks_completed"`
	Progress        float64       `json:"progress"`
	Status          upload.Status `json:"status"`
	Address         string        `json:"address,omitempty"`
	ReceiptID       string        `json:"receipt_id,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	ChunkErrors     int           `json:"chunk_errors"`
	CreatedAt       time.Time     `json:"created_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
}

// EntryFromSnapshot ...
func EntryFromSnapshot(snapshot upload.Snapshot, name, backend, contentType, checksum string) Entry {
	return Entry{
		JobID:           snapshot.ID,
		Name:            name,
		Backend:         backend,
		ContentType:     contentType,
		Checksum:        checksum,
		SourceSize:      snapshot.SourceSize,
		TotalChunks:     snapshot.TotalChunks,
		ChunksCompleted: snapshot.ChunksCompleted,
		Progress:        snapshot.Progress,
		Status:          snapshot.Status,
		Address:         snapshot.ResultAddress,
		ReceiptID:       snapshot.ReceiptID,
		FailureReason:   snapshot.FailureReason,
		ChunkErrors:     snapshot.ChunkErrors,
		CreatedAt:       snapshot.CreatedAt,
		FinishedAt:      snapshot.FinishedAt,
	}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status      upload.Status
	ContentType string
	From        time.Time
	To          time.Time
	Limit       int
}

// Ledger ...
type Ledger struct {
	db     *sql.DB
	logger log.Logger
}

// Open opens (and if needed creates) the history database at path.
func Open(ctx context.Context, path string, logger log.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite allows a single writer, serializing in the pool avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history database: %w", err)
	}
	logger.Debugf("History database: %s", path)

	return &Ledger{db: db, logger: logger}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS uploads (
	job_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',

	source_size INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	chunks_completed INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,

	status TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	receipt_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	chunk_errors INTEGER NOT NULL DEFAULT 0,

	created_at INTEGER NOT NULL, -- unix millis
	finished_at INTEGER -- unix millis; null while not finished
);
`,
		`CREATE INDEX IF NOT EXISTS uploads_created_at ON uploads(created_at);`,
	}

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close ...
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts an entry or replaces the stored state of the same job.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	if entry.JobID == "" {
		return errors.New("entry has no job ID")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO uploads (
	job_id, name, backend, content_type, checksum,
	source_size, total_chunks, chunks_completed, progress,
	status, address, receipt_id, failure_reason, chunk_errors,
	created_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
	chunks_completed = excluded.chunks_completed,
	progress = excluded.progress,
	status = excluded.status,
	address = excluded.address,
	receipt_id = excluded.receipt_id,
	failure_reason = excluded.failure_reason,
	chunk_errors = excluded.chunk_errors,
	finished_at = excluded.finished_at
`,
		entry.JobID, entry.Name, entry.Backend, entry.ContentType, entry.Checksum,
		entry.SourceSize, entry.TotalChunks, entry.ChunksCompleted, entry.Progress,
		string(entry.Status), entry.Address, entry.ReceiptID, entry.FailureReason, entry.ChunkErrors,
		entry.CreatedAt.UnixMilli(), nullableMillis(entry.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", entry.JobID, err)
	}
	return nil
}

const selectColumns = `
SELECT job_id, name, backend, content_type, checksum,
	source_size, total_chunks, chunks_completed, progress,
	status, address, receipt_id, failure_reason, chunk_errors,
	created_at, finished_at
FROM uploads`

// Get returns the entry of a job, ErrNotFound if there is none.
func (l *Ledger) Get(ctx context.Context, jobID string) (Entry, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get upload %s: %w", jobID, err)
	}
	return entry, nil
}

// List returns matching entries, newest first.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ContentType != "" {
		conditions = append(conditions, "content_type = ?")
		args = append(args, filter.ContentType)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := selectColumns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY created_at DESC, job_id LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list uploads: %w", err)
		}
		out = append(out, entry)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var status string
	var createdAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(
		&e.JobID, &e.Name, &e.Backend, &e.ContentType, &e.Checksum,
		&e.SourceSize, &e.TotalChunks, &e.ChunksCompleted, &e.Progress,
		&status, &e.Address, &e.ReceiptID, &e.FailureReason, &e.ChunkErrors,
		&createdAt, &finishedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Status = upload.Status(status)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	if finishedAt.Valid {
		e.FinishedAt = time.UnixMilli(finishedAt.Int64).UTC()
	}
	return e, nil
}

func nullableMillis(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
