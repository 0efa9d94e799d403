package attachments

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AttachmentRef is the opaque descriptor minted in place of an inline
// attachment's raw bytes (spec.md §4.F/§3).
type AttachmentRef struct {
	Ref       string
	ActorID   string
	ProviderID string
	FilePath  string
	Filename  string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// RefTable stores minted AttachmentRefs and supports the TTL sweep.
type RefTable interface {
	Put(ctx context.Context, ref AttachmentRef) error
	Get(ctx context.Context, ref string) (*AttachmentRef, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]AttachmentRef, error)
}

// MemoryRefTable is the always-available in-memory ref table spec.md §4.F
// names as the default ("optionally persisted").
type MemoryRefTable struct {
	mu   sync.RWMutex
	refs map[string]AttachmentRef
}

// NewMemoryRefTable builds an empty MemoryRefTable.
func NewMemoryRefTable() *MemoryRefTable {
	return &MemoryRefTable{refs: make(map[string]AttachmentRef)}
}

func (t *MemoryRefTable) Put(ctx context.Context, ref AttachmentRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs[ref.Ref] = ref
	return nil
}

func (t *MemoryRefTable) Get(ctx context.Context, ref string) (*AttachmentRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.refs[ref]
	if !ok {
		return nil, fmt.Errorf("attachments: ref not found: %s", ref)
	}
	return &r, nil
}

func (t *MemoryRefTable) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]AttachmentRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []AttachmentRef
	for k, r := range t.refs {
		if r.CreatedAt.Before(cutoff) {
			expired = append(expired, r)
			delete(t.refs, k)
		}
	}
	return expired, nil
}

// SQLiteRefTable persists refs across restarts when ATTACHMENT_SQLITE_PATH
// is configured, grounded on pkg/store/receipt_store_sqlite.go's
// migrate-then-query shape.
type SQLiteRefTable struct {
	db *sql.DB
}

// NewSQLiteRefTable opens (creating if needed) the refs table at path.
func NewSQLiteRefTable(path string) (*SQLiteRefTable, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("attachments: open sqlite ref table: %w", err)
	}
	t := &SQLiteRefTable{db: db}
	if err := t.migrate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SQLiteRefTable) migrate() error {
	_, err := t.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS attachment_refs (
			ref TEXT PRIMARY KEY,
			actor_id TEXT,
			provider_id TEXT,
			file_path TEXT,
			filename TEXT,
			mime_type TEXT,
			size INTEGER,
			created_at DATETIME
		)`)
	return err
}

func (t *SQLiteRefTable) Put(ctx context.Context, ref AttachmentRef) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attachment_refs
			(ref, actor_id, provider_id, file_path, filename, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.Ref, ref.ActorID, ref.ProviderID, ref.FilePath, ref.Filename, ref.MimeType, ref.Size,
		ref.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("attachments: insert ref: %w", err)
	}
	return nil
}

func (t *SQLiteRefTable) Get(ctx context.Context, ref string) (*AttachmentRef, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT ref, actor_id, provider_id, file_path, filename, mime_type, size, created_at
		FROM attachment_refs WHERE ref = ?`, ref)

	var r AttachmentRef
	var created string
	if err := row.Scan(&r.Ref, &r.ActorID, &r.ProviderID, &r.FilePath, &r.Filename, &r.MimeType, &r.Size, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("attachments: ref not found: %s", ref)
		}
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &r, nil
}

func (t *SQLiteRefTable) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]AttachmentRef, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT ref, actor_id, provider_id, file_path, filename, mime_type, size, created_at
		FROM attachment_refs WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []AttachmentRef
	for rows.Next() {
		var r AttachmentRef
		var created string
		if err := rows.Scan(&r.Ref, &r.ActorID, &r.ProviderID, &r.FilePath, &r.Filename, &r.MimeType, &r.Size, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := t.db.ExecContext(ctx, `DELETE FROM attachment_refs WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("attachments: delete expired refs: %w", err)
	}
	return expired, nil
}

func (t *SQLiteRefTable) Close() error {
	return t.db.Close()
}
