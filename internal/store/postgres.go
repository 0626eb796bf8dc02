package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/commsync/internal/db"
)

// PostgresStore implements Store using pgxpool. Merges lock the stored row
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	eventStore
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(db.Classify(err), "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(db.Classify(err), "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	s := &PostgresStore{pool: pool, closeFn: closeFn}
	s.eventStore = eventStore{
		name:      "postgres",
		forUpdate: " FOR UPDATE",
		read:      pgAdapter{pool},
		inTx:      s.runTx,
		classify:  db.Classify,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	return s
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id           TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id                        TEXT PRIMARY KEY,
	external_id               TEXT UNIQUE,
	contact_id                TEXT NOT NULL REFERENCES contacts(id),
	phone_number_id           TEXT NOT NULL DEFAULT '',
	last_activity_at          TIMESTAMPTZ,
	last_activity_type        TEXT NOT NULL DEFAULT '',
	last_activity_id          TEXT NOT NULL DEFAULT '',
	last_activity_external_id TEXT NOT NULL DEFAULT '',
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
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
	occurred_at       TIMESTAMPTZ NOT NULL,
	source_updated_at TIMESTAMPTZ NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_activities_conversation_id ON activities(conversation_id);
CREATE INDEX IF NOT EXISTS idx_activities_ai_status ON activities(ai_content_status);

CREATE TABLE IF NOT EXISTS media_attachments (
	id           TEXT PRIMARY KEY,
	activity_id  TEXT NOT NULL REFERENCES activities(id),
	source_url   TEXT NOT NULL,
	cached_url   TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (activity_id, source_url)
);

CREATE INDEX IF NOT EXISTS idx_media_attachments_uncached ON media_attachments(created_at) WHERE cached_url = '';

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	error        TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	received_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status);
CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events(event_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(db.Classify(err), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(q querier) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgAdapter{tx})
	})
}

type pgRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgAdapter struct {
	r pgRunner
}

func (a pgAdapter) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := a.r.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a pgAdapter) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return a.r.QueryRow(ctx, rebind(query), args...)
}

func (a pgAdapter) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := a.r.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
