package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

type Config struct {
	// DSN is a file path, or ":memory:" for a volatile store.
	DSN string
	// Capacity bounds the number of logs kept per group, 0 means unbounded.
	Capacity int
}

// SQLite implements Persistence and PreferenceStore on a single SQLite
// database. Claims are held in memory, so a restart returns every stored log
// to the unclaimed pool.
type SQLite struct {
	db       *sql.DB
	decoder  Decoder
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	claimed map[int64]string
}

var _ Persistence = (*SQLite)(nil)
var _ PreferenceStore = (*SQLite)(nil)

func NewSQLite(cfg Config, decoder Decoder, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", logging.ErrStorageFailure, err)
	}
	// a single connection keeps ":memory:" databases shared and writes ordered
	db.SetMaxOpenConns(1)

	if cfg.DSN != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: enable WAL: %v", logging.ErrStorageFailure, err)
		}
	}

	s := &SQLite{
		db:       db,
		decoder:  decoder,
		capacity: cfg.Capacity,
		logger:   logger,
		claimed:  make(map[int64]string),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", logging.ErrStorageFailure, err)
	}

	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT NOT NULL,
			log_type TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_group_name ON logs(group_name, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- Logs ---

func (s *SQLite) Put(ctx context.Context, group, logType string, payload []byte, enqueuedAt time.Time) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (group_name, log_type, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		group, logType, payload, enqueuedAt.UnixNano())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: insert log: %v", logging.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: insert log: %v", logging.ErrStorageFailure, err)
	}

	evicted, err := s.evict(ctx, group)
	if err != nil {
		s.logger.Warn("failed to evict old logs", zap.String("group", group), zap.Error(err))
	}
	return id, evicted, nil
}

// evict deletes the oldest unclaimed logs of group above capacity.
func (s *SQLite) evict(ctx context.Context, group string) (int, error) {
	if s.capacity <= 0 {
		return 0, nil
	}

	count, err := s.countLocked(ctx, group)
	if err != nil {
		return 0, err
	}
	excess := count - s.capacity
	if excess <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM logs WHERE group_name = ? ORDER BY id`, group)
	if err != nil {
		return 0, err
	}
	var victims []int64
	for rows.Next() && len(victims) < excess {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if _, claimed := s.claimed[id]; !claimed {
			victims = append(victims, id)
		}
	}
	rows.Close()

	if err := s.deleteLocked(ctx, victims); err != nil {
		return 0, err
	}
	if len(victims) > 0 {
		s.logger.Debug("evicted oldest logs over capacity",
			zap.String("group", group), zap.Int("count", len(victims)))
	}
	return len(victims), nil
}

func (s *SQLite) GetLogs(ctx context.Context, group string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, log_type, payload, enqueued_at FROM logs WHERE group_name = ? ORDER BY id`, group)
	if err != nil {
		return nil, fmt.Errorf("%w: query logs: %v", logging.ErrStorageFailure, err)
	}

	var records []Record
	var corrupt []int64
	for len(records) < limit && rows.Next() {
		var (
			id         int64
			logType    string
			payload    []byte
			enqueuedAt int64
		)
		if err := rows.Scan(&id, &logType, &payload, &enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan log: %v", logging.ErrStorageFailure, err)
		}
		if _, claimed := s.claimed[id]; claimed {
			continue
		}

		log, err := s.decoder.DeserializeLog(payload, logType)
		if err != nil {
			s.logger.Warn("skipping corrupt log record",
				zap.String("group", group), zap.Int64("id", id), zap.Error(err))
			corrupt = append(corrupt, id)
			continue
		}
		records = append(records, Record{ID: id, Log: log, EnqueuedAt: time.Unix(0, enqueuedAt)})
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return nil, fmt.Errorf("%w: iterate logs: %v", logging.ErrStorageFailure, iterErr)
	}

	if err := s.deleteLocked(ctx, corrupt); err != nil {
		s.logger.Warn("failed to delete corrupt log records", zap.String("group", group), zap.Error(err))
	}

	for _, r := range records {
		s.claimed[r.ID] = group
	}
	return records, nil
}

func (s *SQLite) Remove(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.claimed, id)
	}
	if err := s.deleteLocked(ctx, ids); err != nil {
		return fmt.Errorf("%w: delete logs: %v", logging.ErrStorageFailure, err)
	}
	return nil
}

func (s *SQLite) Release(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.claimed, id)
	}
}

func (s *SQLite) Clear(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.claimed {
		if g == group {
			delete(s.claimed, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE group_name = ?`, group); err != nil {
		return fmt.Errorf("%w: clear group %s: %v", logging.ErrStorageFailure, group, err)
	}
	return nil
}

func (s *SQLite) CountLogs(ctx context.Context, group string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.countLocked(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("%w: count logs: %v", logging.ErrStorageFailure, err)
	}
	return count, nil
}

func (s *SQLite) OldestUnclaimed(ctx context.Context, group string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enqueued_at FROM logs WHERE group_name = ? ORDER BY id`, group)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: query logs: %v", logging.ErrStorageFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, enqueuedAt int64
		if err := rows.Scan(&id, &enqueuedAt); err != nil {
			return time.Time{}, false, fmt.Errorf("%w: scan log: %v", logging.ErrStorageFailure, err)
		}
		if _, claimed := s.claimed[id]; !claimed {
			return time.Unix(0, enqueuedAt), true, nil
		}
	}
	return time.Time{}, false, rows.Err()
}

func (s *SQLite) countLocked(ctx context.Context, group string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logs WHERE group_name = ?`, group).Scan(&count)
	return count, err
}

func (s *SQLite) deleteLocked(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// --- Preferences ---

func (s *SQLite) GetPreference(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read preference %s: %v", logging.ErrStorageFailure, key, err)
	}
	return value, true, nil
}

func (s *SQLite) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: write preference %s: %v", logging.ErrStorageFailure, key, err)
	}
	return nil
}

func (s *SQLite) DeletePreference(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete preference %s: %v", logging.ErrStorageFailure, key, err)
	}
	return nil
}
