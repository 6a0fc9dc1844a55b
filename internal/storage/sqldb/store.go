package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
	"github.com/tjfontaine/restspace-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of FileStore that supports multiple
// database dialects. Every file is one row keyed by its full path.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	table   string
	now     func() time.Time
}

var _ ports.FileStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
	// Table defaults to "files".
	Table string
}

type fileRow struct {
	Path       string `db:"path"`
	Data       []byte `db:"data"`
	Mime       string `db:"mime"`
	Size       int64  `db:"size"`
	ModifiedMs int64  `db:"modified_ms"`
}

func (r fileRow) info() ports.FileInfo {
	return ports.FileInfo{
		Path:         r.Path,
		Size:         r.Size,
		DateModified: time.UnixMilli(r.ModifiedMs),
		MimeType:     r.Mime,
	}
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store, err := NewWithDB(db, d, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an open database and creates the table if needed.
func NewWithDB(db *sqlx.DB, d dialect.Dialect, table string) (*Store, error) {
	if table == "" {
		table = "files"
	}
	store := &Store{db: db, dialect: d, table: table, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a new SQLite store (convenience function)
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
path TEXT PRIMARY KEY,
data %s NOT NULL,
mime TEXT NOT NULL DEFAULT '',
size BIGINT NOT NULL,
modified_ms BIGINT NOT NULL
)`, s.table, s.dialect.BlobType())
	_, err := s.db.Exec(stmt)
	return err
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(strings.ReplaceAll(query, "{table}", s.table))
}

func (s *Store) Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return nil, nil, err
	}

	var row fileRow
	err = s.db.GetContext(ctx, &row, s.q(`SELECT path, data, mime, size, modified_ms FROM {table} WHERE path = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.NotFound("file %s not found", key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	info := row.info()
	return row.Data, &info, nil
}

func (s *Store) Write(ctx context.Context, path string, data []byte, mimeType string) (bool, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		data = []byte{}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin write %s: %w", key, err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, s.q(`SELECT COUNT(*) FROM {table} WHERE path = ?`), key); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}

	insert := s.q(`INSERT INTO {table} (path, data, mime, size, modified_ms) VALUES (?, ?, ?, ?, ?) `) +
		s.dialect.UpsertClause("path", []string{"data", "mime", "size", "modified_ms"})
	if _, err := tx.ExecContext(ctx, insert, key, data, mimeType, len(data), s.now().UnixMilli()); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit write %s: %w", key, err)
	}
	return count == 0, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE path = ?`), key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n == 0 {
		return domain.NotFound("file %s not found", key)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) List(ctx context.Context, dir string) ([]ports.FileInfo, error) {
	key, err := storage.CleanPath(dir)
	if err != nil {
		return nil, err
	}
	prefix := storage.DirPrefix(key)

	var rows []fileRow
	err = s.db.SelectContext(ctx, &rows,
		s.q(`SELECT path, mime, size, modified_ms FROM {table} WHERE path LIKE ? ESCAPE '\'`),
		likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}

	l := storage.NewLister(key)
	for _, r := range rows {
		l.Add(r.info())
	}
	return l.Result(), nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
