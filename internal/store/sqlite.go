package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	k         TEXT NOT NULL,
	v         BLOB NOT NULL,
	PRIMARY KEY (namespace, k)
);
`

// SQLiteStore is the default backend: a single-file, pure-Go SQLite database
// suitable for a client-resident store.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64
}

func NewSQLiteStore(cfg config.StorageConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.FilePath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under concurrent drains and probes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Log.Info("Opened sqlite store",
		zap.String("path", cfg.FilePath),
		zap.Int64("maxBytes", cfg.MaxBytes),
	)

	return &SQLiteStore{db: db, maxBytes: cfg.MaxBytes}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv WHERE namespace = ? AND k = ?`, namespace, key)

	var value []byte
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.maxBytes > 0 {
		var total sql.NullInt64
		row := tx.QueryRowContext(ctx,
			`SELECT SUM(LENGTH(k) + LENGTH(v)) FROM kv WHERE NOT (namespace = ? AND k = ?)`,
			namespace, key)
		if err := row.Scan(&total); err != nil {
			return err
		}
		if total.Int64+int64(len(key)+len(value)) > s.maxBytes {
			return ErrQuotaExceeded
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (namespace, k, v) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, k) DO UPDATE SET v = excluded.v`,
		namespace, key, value)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Remove(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND k = ?`, namespace, key)
	return err
}

func (s *SQLiteStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM kv WHERE namespace = ? ORDER BY k`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context, namespaces ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ns := range namespaces {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, ns); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(k) + LENGTH(v)) FROM kv`)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *SQLiteStore) Export(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT namespace, k, v FROM kv ORDER BY namespace, k`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &Snapshot{
		Version:    SnapshotVersion,
		Namespaces: make(map[string]map[string][]byte),
	}
	for _, ns := range Namespaces {
		snap.Namespaces[ns] = make(map[string][]byte)
	}

	for rows.Next() {
		var ns, k string
		var v []byte
		if err := rows.Scan(&ns, &k, &v); err != nil {
			return nil, err
		}
		if snap.Namespaces[ns] == nil {
			snap.Namespaces[ns] = make(map[string][]byte)
		}
		snap.Namespaces[ns][k] = v
	}
	return snap, rows.Err()
}

func (s *SQLiteStore) Import(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ns := range Namespaces {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, ns); err != nil {
			return err
		}
	}

	var total int64
	for ns, values := range snap.Namespaces {
		for k, v := range values {
			total += int64(len(k) + len(v))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (namespace, k, v) VALUES (?, ?, ?)`, ns, k, v); err != nil {
				return err
			}
		}
	}

	if s.maxBytes > 0 && total > s.maxBytes {
		return ErrQuotaExceeded
	}

	return tx.Commit()
}
