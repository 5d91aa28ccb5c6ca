package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kennethnrk/edgeclip/internal/validate"
)

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id         TEXT PRIMARY KEY,
	video      TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	frames     INTEGER NOT NULL,
	vector     BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_video ON videos (video);
`

// Entry is one row of the video index.
type Entry struct {
	ID        string
	Video     string
	Frames    int
	Vector    []float32
	CreatedAt time.Time
}

// Index is a SQLite table of pooled video embeddings.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// One writer; the CLI never runs statements in parallel.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db, now: time.Now}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// Add stores a pooled vector and returns its row id.
func (ix *Index) Add(ctx context.Context, video string, frames int, vector []float32) (string, error) {
	id := uuid.NewString()
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO videos (id, video, dim, frames, vector, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, video, len(vector), frames, validate.EncodeFloat32(vector), ix.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", video, err)
	}
	return id, nil
}

// Entries returns every row in insertion order.
func (ix *Index) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, video, dim, frames, vector, created_at FROM videos ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			dim     int
			blob    []byte
			created string
		)
		if err := rows.Scan(&e.ID, &e.Video, &dim, &e.Frames, &blob, &created); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		if e.Vector, err = validate.DecodeFloat32(blob); err != nil {
			return nil, fmt.Errorf("row %s: %w", e.ID, err)
		}
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("row %s: %w", e.ID, &validate.DimensionMismatchError{Expected: dim, Actual: len(e.Vector)})
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("row %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Store loads the index as a searchable store named by video path. Every
// row must have the same width.
func (ix *Index) Store(ctx context.Context) (*Store, error) {
	entries, err := ix.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("index is empty")
	}
	vectors := make([][]float32, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		vectors[i], ids[i] = e.Vector, e.Video
	}
	return NewStore(len(vectors[0]), vectors, ids)
}
