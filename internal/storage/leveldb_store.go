package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/util"
)

// LevelDBStore реализует BlobStore поверх LevelDB
type LevelDBStore struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	path   string
	closed bool
}

// NewLevelDBStore открывает (или создает) базу в каталоге dataPath/worlds.ldb
func NewLevelDBStore(dataPath string) (*LevelDBStore, error) {
	path := filepath.Join(dataPath, "worlds.ldb")
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.NoCompression, // данные уже сжаты zstd
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть LevelDB %s: %w", path, err)
	}
	return &LevelDBStore{db: db, path: path}, nil
}

// Path возвращает каталог базы
func (ls *LevelDBStore) Path() string { return ls.path }

func (ls *LevelDBStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ls.closed {
		return ErrClosed
	}
	return nil
}

// Put сохраняет значение
func (ls *LevelDBStore) Put(ctx context.Context, key string, value []byte) error {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if err := ls.begin(ctx); err != nil {
		return err
	}
	if err := ls.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("ошибка сохранения %s в LevelDB: %w", key, err)
	}
	return nil
}

// Get читает значение
func (ls *LevelDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if err := ls.begin(ctx); err != nil {
		return nil, err
	}
	data, err := ls.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s из LevelDB: %w", key, err)
	}
	return data, nil
}

// Delete удаляет ключ
func (ls *LevelDBStore) Delete(ctx context.Context, key string) error {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if err := ls.begin(ctx); err != nil {
		return err
	}
	if err := ls.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("ошибка удаления %s из LevelDB: %w", key, err)
	}
	return nil
}

// Keys перебирает ключи с префиксом в порядке LevelDB (лексикографическом)
func (ls *LevelDBStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if err := ls.begin(ctx); err != nil {
		return nil, err
	}

	it := ls.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("ошибка перебора ключей LevelDB: %w", err)
	}
	return keys, nil
}

// Close закрывает базу
func (ls *LevelDBStore) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return nil
	}
	ls.closed = true
	return ls.db.Close()
}
