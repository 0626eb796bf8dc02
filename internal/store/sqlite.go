package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/commsync/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Writers are
// serialized in-process; IMMEDIATE transactions plus busy_timeout cover a
// webhook server and an importer sharing one database file.
type SQLiteStore struct {
	eventStore
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string, busyTimeoutMs int) (*SQLiteStore, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		strings.TrimPrefix(path, "file:"), busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(classifySQLite(err), "sqlite: ping")
	}
	return newSQLiteStore(db), nil
}

// NewMemorySQLite opens a private in-memory database. Dry runs use it so
// nothing reaches the real store.
func NewMemorySQLite() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open memory")
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: exec PRAGMA foreign_keys")
	}
	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	s := &SQLiteStore{db: db}
	s.eventStore = eventStore{
		name:     "sqlite",
		read:     sqlAdapter{db},
		inTx:     s.runTx,
		classify: classifySQLite,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	return s
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id           TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                        TEXT PRIMARY KEY,
	external_id               TEXT UNIQUE,
	contact_id                TEXT NOT NULL REFERENCES contacts(id),
	phone_number_id           TEXT NOT NULL DEFAULT '',
	last_activity_at          DATETIME,
	last_activity_type        TEXT NOT NULL DEFAULT '',
	last_activity_id          TEXT NOT NULL DEFAULT '',
	last_activity_external_id TEXT NOT NULL DEFAULT '',
	created_at                DATETIME NOT NULL,
	updated_at                DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_contact_placeholder
	ON conversations(contact_id) WHERE external_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_conversations_contact_id ON conversations(contact_id);

CREATE TABLE IF NOT EXISTS activities (
	id                TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id),
	contact_id        TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	direction         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL DEFAULT '',
	duration_seconds  INTEGER,
	recording_url     TEXT NOT NULL DEFAULT '',
	voicemail_url     TEXT NOT NULL DEFAULT '',
	ai_summary        TEXT NOT NULL DEFAULT '',
	ai_transcript     TEXT NOT NULL DEFAULT '',
	ai_content_status TEXT NOT NULL DEFAULT '',
	occurred_at       DATETIME NOT NULL,
	source_updated_at DATETIME NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_conversation_id ON activities(conversation_id);
CREATE INDEX IF NOT EXISTS idx_activities_ai_status ON activities(ai_content_status);

CREATE TABLE IF NOT EXISTS media_attachments (
	id           TEXT PRIMARY KEY,
	activity_id  TEXT NOT NULL REFERENCES activities(id),
	source_url   TEXT NOT NULL,
	cached_url   TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	UNIQUE (activity_id, source_url)
);

CREATE INDEX IF NOT EXISTS idx_media_attachments_cached_url ON media_attachments(cached_url);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	error        TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	received_at  DATETIME NOT NULL,
	processed_at DATETIME,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status);
CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events(event_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(classifySQLite(err), "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlAdapter{tx}); err != nil {
		return err
	}
	return s.wrap(tx.Commit(), "commit")
}

// classifySQLite maps lock, permission and I/O result codes to storage faults.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if resilience.KindOf(err) != resilience.KindUnknown {
		return err
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY,
		sqlite3.SQLITE_LOCKED,
		sqlite3.SQLITE_PERM,
		sqlite3.SQLITE_AUTH,
		sqlite3.SQLITE_CANTOPEN,
		sqlite3.SQLITE_READONLY,
		sqlite3.SQLITE_IOERR,
		sqlite3.SQLITE_FULL,
		sqlite3.SQLITE_CORRUPT,
		sqlite3.SQLITE_NOTADB:
		return resilience.WithKind(resilience.KindStorage, err)
	default:
		return err
	}
}

// helpers

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlAdapter struct {
	r sqlRunner
}

func (a sqlAdapter) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a sqlAdapter) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return a.r.QueryRowContext(ctx, query, args...)
}

func (a sqlAdapter) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := a.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
