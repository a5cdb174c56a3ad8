package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"petsync/internal/config"
	"petsync/internal/logger"
)

// ErrUnavailable marks local storage failures. Callers check it with
// errors.Is and degrade to memory-only mode instead of crashing.
var ErrUnavailable = errors.New("local store unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	timestamp  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS queue (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	type         TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	entity_key   TEXT NOT NULL,
	data         BLOB NOT NULL,
	timestamp    INTEGER NOT NULL,
	retries      INTEGER NOT NULL DEFAULT 0,
	next_attempt INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	table_name TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	data       BLOB NOT NULL,
	timestamp  INTEGER NOT NULL,
	retries    INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	failed_at  INTEGER NOT NULL
);
`

type SQLiteStore struct {
	db          *sql.DB
	path        string
	initialized bool
}

func NewSQLiteStore(cfg config.StorageConfig) *SQLiteStore {
	return &SQLiteStore{path: cfg.FilePath}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", s.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrUnavailable, s.path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent callers. The sql.DB pool is the mutex boundary.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: create schema: %v", ErrUnavailable, err)
	}

	s.db = db
	s.initialized = true

	logger.Log.Info("Opened local store", zap.String("path", s.path))
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.initialized = false
	return s.db.Close()
}

func (s *SQLiteStore) GetCachedItem(ctx context.Context, key string) (*CachedRecord, error) {
	query := `SELECT key, data, timestamp, expires_at FROM cache WHERE key = ?`
	row := s.db.QueryRowContext(ctx, query, key)

	var rec CachedRecord
	var ts, exp int64
	err := row.Scan(&rec.Key, &rec.Data, &ts, &exp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get cached item: %v", ErrUnavailable, err)
	}

	rec.Timestamp = time.Unix(0, ts)
	rec.ExpiresAt = time.Unix(0, exp)

	// Lazy purge: an expired record is deleted on read, not swept eagerly.
	if rec.Expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
		return nil, nil
	}

	return &rec, nil
}

func (s *SQLiteStore) SetCachedItem(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	query := `INSERT INTO cache (key, data, timestamp, expires_at) VALUES (?, ?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET
			  data = excluded.data,
			  timestamp = excluded.timestamp,
			  expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query, key, data, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("%w: set cached item: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCachedItem(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: delete cached item: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCachedPrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return fmt.Errorf("%w: delete cached prefix: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) QueueOperation(ctx context.Context, op *QueuedOperation) error {
	query := `INSERT INTO queue (id, type, table_name, entity_key, data, timestamp, retries, next_attempt)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		string(op.Type),
		op.Table,
		op.Key,
		op.Data,
		op.Timestamp.UnixNano(),
		op.Retries,
		op.NextAttempt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: queue operation: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetQueuedOperations(ctx context.Context) ([]*QueuedOperation, error) {
	query := `SELECT id, type, table_name, entity_key, data, timestamp, retries, next_attempt
			  FROM queue ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: get queued operations: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		var typ string
		var ts, next int64
		err := rows.Scan(&op.ID, &typ, &op.Table, &op.Key, &op.Data, &ts, &op.Retries, &next)
		if err != nil {
			return nil, fmt.Errorf("%w: scan queued operation: %v", ErrUnavailable, err)
		}
		op.Type = OpType(typ)
		op.Timestamp = time.Unix(0, ts)
		op.NextAttempt = time.Unix(0, next)
		ops = append(ops, &op)
	}

	return ops, rows.Err()
}

func (s *SQLiteStore) RemoveOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: remove operation: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementRetries(ctx context.Context, id string, nextAttempt time.Time) (int, error) {
	var retries int
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE queue SET retries = retries + 1, next_attempt = ? WHERE id = ?`,
			nextAttempt.UnixNano(), id)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT retries FROM queue WHERE id = ?`, id).Scan(&retries)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: increment retries: %v", ErrUnavailable, err)
	}
	return retries, nil
}

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, op *QueuedOperation, reason string) error {
	// Single transaction so a crash cannot leave the operation in both
	// tables or in neither.
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO dead_letters (id, type, table_name, entity_key, data, timestamp, retries, reason, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, string(op.Type), op.Table, op.Key, op.Data,
			op.Timestamp.UnixNano(), op.Retries, reason, time.Now().UnixNano())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, op.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: move to dead letter: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	query := `SELECT id, type, table_name, entity_key, data, timestamp, retries, reason, failed_at
			  FROM dead_letters ORDER BY failed_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: get dead letters: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var typ string
		var ts, failed int64
		err := rows.Scan(&dl.Op.ID, &typ, &dl.Op.Table, &dl.Op.Key, &dl.Op.Data,
			&ts, &dl.Op.Retries, &dl.Reason, &failed)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dead letter: %v", ErrUnavailable, err)
		}
		dl.Op.Type = OpType(typ)
		dl.Op.Timestamp = time.Unix(0, ts)
		dl.FailedAt = time.Unix(0, failed)
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}

func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
