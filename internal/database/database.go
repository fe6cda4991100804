package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bryan-buckman/castkeep/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		download_dir TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		last_synced DATETIME
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Default polling interval in minutes.
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '60');
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Subscription Methods ---

// ListSubscriptions returns all subscriptions ordered by name.
func (db *DB) ListSubscriptions() ([]model.Subscription, error) {
	rows, err := db.conn.Query("SELECT id, name, url, download_dir, created_at, last_synced FROM subscriptions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// GetSubscriptions returns all subscriptions keyed by name.
func (db *DB) GetSubscriptions() (map[string]model.Subscription, error) {
	subs, err := db.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	return toMap(subs), nil
}

// GetSubscription returns one subscription by name.
func (db *DB) GetSubscription(name string) (*model.Subscription, error) {
	rows, err := db.conn.Query("SELECT id, name, url, download_dir, created_at, last_synced FROM subscriptions WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return &subs[0], nil
}

// AddSubscription inserts sub unless its name is taken. Returns whether it was added.
func (db *DB) AddSubscription(sub model.Subscription) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := db.conn.Exec(`
		INSERT INTO subscriptions (name, url, download_dir, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		sub.Name, sub.URL, sub.DownloadDir, sub.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteSubscription removes a subscription by name.
func (db *DB) DeleteSubscription(name string) error {
	res, err := db.conn.Exec("DELETE FROM subscriptions WHERE name = ?", name)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSynced updates the last_synced timestamp for a subscription.
func (db *DB) UpdateLastSynced(name string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE subscriptions SET last_synced = ? WHERE name = ?", t, name)
	return err
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var lastSynced sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.URL, &s.DownloadDir, &s.CreatedAt, &lastSynced); err != nil {
			return nil, err
		}
		if lastSynced.Valid {
			s.LastSynced = lastSynced.Time
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var val string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}

// GetPollingInterval returns the polling interval in minutes.
func (db *DB) GetPollingInterval() (int, error) {
	return pollingInterval(db)
}

func pollingInterval(s interface{ GetSetting(string) (string, error) }) (int, error) {
	val, err := s.GetSetting(model.SettingPollingInterval)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPollingInterval, nil
	}
	if err != nil {
		return 0, err
	}
	mins, err := strconv.Atoi(val)
	if err != nil {
		return DefaultPollingInterval, nil
	}
	return mins, nil
}

// DefaultPollingInterval is used when no interval has been saved.
const DefaultPollingInterval = 60
