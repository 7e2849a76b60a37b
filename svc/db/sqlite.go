package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pastelite/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
	deleteBatchSize     = 100
	maxDeleteBatches    = 10000
)

type SQLiteOpts struct {
	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go). Ignored for remote URLs.
	Driver       string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

type SQLite struct {
	db           *sql.DB
	driver       string
	remote       bool
	file         bool
	queryTimeout time.Duration
	cb           *breaker
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func IsRemoteSQL(dsn string) bool {
	return strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://")
}

func NewSQLite(dsn string, opts SQLiteOpts) (*SQLite, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	remote := IsRemoteSQL(dsn)
	if remote {
		driver = "libsql"
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = defaultMaxIdleConns
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	file := !remote && !strings.Contains(dsn, "mode=memory") && !strings.HasPrefix(dsn, ":memory:")
	if !remote {
		dsn = withLocalParams(driver, dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	pingCtx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		driver:       driver,
		remote:       remote,
		file:         file,
		queryTimeout: opts.QueryTimeout,
		cb:           newBreaker(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) backend() string {
	return "sqlite_" + s.driver
}

func (s *SQLite) migrate() error {
	if !s.remote {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous=FULL",
		}
		for _, p := range pragmas {
			if _, err := s.db.Exec(p); err != nil {
				return errors.Wrapf(err, "exec %q", p)
			}
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pastes (
			id TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			sealed_key BLOB,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			max_views INTEGER,
			view_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// run wraps a single store operation with the circuit breaker, the query
// timeout and error classification.
func (s *SQLite) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	defer observe(s.backend(), op, time.Now())
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := fn(queryCtx)
	s.cb.record(ctx, err)
	return classify(err)
}

func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	return s.run(ctx, opCreate, func(ctx context.Context) error {
		q := `
		INSERT INTO pastes (id, body, sealed_key, created_at, expires_at, max_views, view_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
		`
		res, err := s.db.ExecContext(ctx, q,
			p.ID, p.Body, p.SealedKey, p.CreatedAt, nullInt(p.ExpiresAt), nullInt(p.MaxViews),
		)
		if err != nil {
			return errors.Wrap(err, "db create")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "db create rows")
		}
		if n == 0 {
			return domain.ErrIDCollision
		}
		return nil
	})
}

const pasteColumns = `id, body, sealed_key, created_at, expires_at, max_views, view_count`

func (s *SQLite) FetchAndIncrement(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	var out *domain.Paste
	err := s.run(ctx, opIncrement, func(ctx context.Context) error {
		q := `
		UPDATE pastes SET view_count = view_count + 1
		WHERE id = ?
			AND (expires_at IS NULL OR expires_at > ?)
			AND (max_views IS NULL OR view_count < max_views)
		RETURNING ` + pasteColumns
		p, err := scanPaste(s.db.QueryRowContext(ctx, q, id, now))
		if err == nil {
			out = p
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "db fetch and increment")
		}
		// Terminal states never revert, so a follow-up read classifies the miss.
		cur, err := s.fetch(ctx, id)
		if err != nil {
			return err
		}
		return rejection(cur, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	var out *domain.Paste
	err := s.run(ctx, opFetch, func(ctx context.Context) error {
		p, err := s.fetch(ctx, id)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) fetch(ctx context.Context, id string) (*domain.Paste, error) {
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE id = ?`
	p, err := scanPaste(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

func (s *SQLite) DeleteExpired(ctx context.Context, before int64) (int, error) {
	defer observe(s.backend(), opDeleteExpired, time.Now())
	if err := s.cb.check(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	for i := 0; i < maxDeleteBatches; i++ {
		if err := ctx.Err(); err != nil {
			return totalDeleted, classify(err)
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, before, deleteBatchSize)
		cancel()
		s.cb.record(ctx, err)
		if err != nil {
			return totalDeleted, classify(errors.Wrap(err, "cleanup batch failed"))
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < deleteBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, classify(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return classify(s.db.QueryRowContext(queryCtx, "SELECT 1").Scan(&result))
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// withLocalParams puts the busy timeout on every pooled connection; a PRAGMA
// run once only reaches one of them.
func withLocalParams(driver, dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if driver == "sqlite" {
		if strings.Contains(dsn, "busy_timeout") {
			return dsn
		}
		return dsn + sep + "_pragma=busy_timeout(5000)"
	}
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	return dsn + sep + "_busy_timeout=5000"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Body, &p.SealedKey, &p.CreatedAt, &expiresAt, &maxViews, &p.ViewCount); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		p.ExpiresAt = domain.Int64(expiresAt.Int64)
	}
	if maxViews.Valid {
		p.MaxViews = domain.Int64(maxViews.Int64)
	}
	return &p, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
