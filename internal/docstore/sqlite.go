package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent checks that a collection or field name is safe to embed in a
// JSON path or a Redis key.
func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

// SQLite is a Store persisted in a single SQLite file. Live subscriptions see
// writes made through this instance only; use Redis when two nodes must share
// the store.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	closed bool
	feed   feed
	now    func() time.Time
}

// OpenSQLite opens or creates the document database in dir.
func OpenSQLite(dir string) (*SQLite, error) {
	dbPath := filepath.Join(dir, "docs.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _docs (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     TEXT NOT NULL DEFAULT '{}',
			version    INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_docs_collection_created
			ON _docs(collection, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create docs table: %w", err)
	}

	return &SQLite{db: db, path: dbPath, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

const docColumns = `seq, collection, id, fields, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(r rowScanner) (Doc, error) {
	var d Doc
	var fieldsJSON string
	var created, updated int64
	if err := r.Scan(&d.Seq, &d.Collection, &d.ID, &fieldsJSON, &d.Version, &created, &updated); err != nil {
		return Doc{}, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &d.Fields); err != nil {
		return Doc{}, fmt.Errorf("decode fields of %s/%s: %w", d.Collection, d.ID, err)
	}
	if d.Fields == nil {
		d.Fields = Fields{}
	}
	d.CreatedAt = time.Unix(0, created)
	d.UpdatedAt = time.Unix(0, updated)
	return d, nil
}

func (s *SQLite) Create(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	if !validIdent(collection) {
		return Doc{}, ErrInvalid
	}
	if id == "" {
		id = uuid.NewString()
	}
	fieldsJSON, err := json.Marshal(f.clone())
	if err != nil {
		return Doc{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Doc{}, ErrClosed
	}

	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _docs (collection, id, fields, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(collection, id) DO NOTHING`,
		collection, id, string(fieldsJSON), now, now)
	if err != nil {
		return Doc{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Doc{}, ErrExists
	}

	d, err := s.get(ctx, collection, id)
	if err != nil {
		return Doc{}, err
	}
	s.feed.publish(nil, &d)
	return d, nil
}

func (s *SQLite) get(ctx context.Context, collection, id string) (Doc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM _docs WHERE collection = ? AND id = ?`, collection, id)
	d, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return Doc{}, ErrNotFound
	}
	return d, err
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Doc{}, ErrClosed
	}
	return s.get(ctx, collection, id)
}

func (s *SQLite) Update(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	d, _, err := s.update(ctx, collection, id, nil, f)
	return d, err
}

func (s *SQLite) UpdateIf(ctx context.Context, collection, id string, cond Cond, f Fields) (Doc, bool, error) {
	return s.update(ctx, collection, id, &cond, f)
}

func (s *SQLite) update(ctx context.Context, collection, id string, cond *Cond, f Fields) (Doc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Doc{}, false, ErrClosed
	}

	before, err := s.get(ctx, collection, id)
	if err != nil {
		return Doc{}, false, err
	}
	if cond != nil && !cond.holds(before) {
		return before, false, nil
	}

	next := before.clone()
	for k, v := range f {
		next.Fields[k] = v
	}
	fieldsJSON, err := json.Marshal(next.Fields)
	if err != nil {
		return Doc{}, false, err
	}
	next.UpdatedAt = time.Unix(0, s.now().UnixNano())
	next.Version++

	// The version check keeps a writer in another process from being
	// silently overwritten.
	res, err := s.db.ExecContext(ctx, `
		UPDATE _docs SET fields = ?, version = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?`,
		string(fieldsJSON), next.Version, next.UpdatedAt.UnixNano(),
		collection, id, before.Version)
	if err != nil {
		return Doc{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Doc{}, false, fmt.Errorf("update %s/%s: concurrent modification", collection, id)
	}

	s.feed.publish(&before, &next)
	return next, true, nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	before, err := s.get(ctx, collection, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM _docs WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return err
	}
	s.feed.publish(&before, nil)
	return nil
}

func (s *SQLite) Query(ctx context.Context, q Query) ([]Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.query(ctx, q)
}

func (s *SQLite) query(ctx context.Context, q Query) ([]Doc, error) {
	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT ` + docColumns + ` FROM _docs WHERE collection = ?`)
	if q.ID != "" {
		sb.WriteString(` AND id = ?`)
		args = append(args, q.ID)
	}
	for k, v := range q.Where {
		if !validIdent(k) {
			return nil, fmt.Errorf("%w: field %q", ErrInvalid, k)
		}
		sb.WriteString(` AND json_extract(fields, ?) = ?`)
		args = append(args, "$."+k, v)
	}
	if q.Order == Desc {
		sb.WriteString(` ORDER BY created_at DESC, seq DESC`)
	} else {
		sb.WriteString(` ORDER BY created_at ASC, seq ASC`)
	}
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(` LIMIT %d`, q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLite) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	snapshot, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.feed.open(ctx, q, snapshot), nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.feed.closeAll()
	return s.db.Close()
}
