package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace VARCHAR(64)  NOT NULL,
	k         VARCHAR(255) NOT NULL,
	v         LONGBLOB     NOT NULL,
	PRIMARY KEY (namespace, k)
)
`

// MySQLStore backs the durable store with MySQL, for deployments that
// already run a state database next to the client.
type MySQLStore struct {
	db       *sql.DB
	maxBytes int64
}

func NewMySQLStore(cfg config.StorageConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to ping mysql after retries: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &MySQLStore{db: db, maxBytes: cfg.MaxBytes}, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
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

func (s *MySQLStore) Set(ctx context.Context, namespace, key string, value []byte) error {
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
		 ON DUPLICATE KEY UPDATE v = VALUES(v)`,
		namespace, key, value)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *MySQLStore) Remove(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND k = ?`, namespace, key)
	return err
}

func (s *MySQLStore) Keys(ctx context.Context, namespace string) ([]string, error) {
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

func (s *MySQLStore) Clear(ctx context.Context, namespaces ...string) error {
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

func (s *MySQLStore) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(k) + LENGTH(v)) FROM kv`)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *MySQLStore) Export(ctx context.Context) (*Snapshot, error) {
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

func (s *MySQLStore) Import(ctx context.Context, snap *Snapshot) error {
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

// NewStore opens the backend selected by cfg.Type.
func NewStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "mysql":
		return NewMySQLStore(cfg)
	case "sqlite", "":
		return NewSQLiteStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}
