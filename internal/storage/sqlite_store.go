package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// SQLiteStore хранит блобы в одной таблице SQLite (файл dataPath/worlds.db)
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// NewSQLiteStore открывает базу и создает таблицу blobs
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	if dataPath == "" {
		return nil, fmt.Errorf("пустой путь к базе SQLite")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataPath, "worlds.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть SQLite %s: %w", path, err)
	}
	// Один писатель: SQLite сериализует запись
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS blobs (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("инициализация SQLite: %w", err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path возвращает файл базы
func (ss *SQLiteStore) Path() string { return ss.path }

func (ss *SQLiteStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ss.closed {
		return ErrClosed
	}
	return nil
}

// Put сохраняет значение
func (ss *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.begin(ctx); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := ss.db.ExecContext(ctx,
		`INSERT INTO blobs(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("ошибка сохранения %s в SQLite: %w", key, err)
	}
	return nil
}

// Get читает значение
func (ss *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.begin(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := ss.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s из SQLite: %w", key, err)
	}
	return data, nil
}

// Delete удаляет ключ
func (ss *SQLiteStore) Delete(ctx context.Context, key string) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.begin(ctx); err != nil {
		return err
	}
	if _, err := ss.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("ошибка удаления %s из SQLite: %w", key, err)
	}
	return nil
}

// Keys возвращает ключи с префиксом по возрастанию
func (ss *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.begin(ctx); err != nil {
		return nil, err
	}

	// substr вместо LIKE: префикс может содержать % и _
	rows, err := ss.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("ошибка перебора ключей SQLite: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close закрывает базу
func (ss *SQLiteStore) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	return ss.db.Close()
}
