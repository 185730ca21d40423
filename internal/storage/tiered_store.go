package storage

import (
	"context"
	"errors"

	"github.com/annel0/voxel-engine/internal/logging"
)

// TieredStore объединяет быстрый кеш (Redis) и постоянное хранилище (Badger).
// Запись идет в оба уровня, чтение — из кеша с подгрузкой из постоянного хранилища.
type TieredStore struct {
	hot  BlobStore
	cold BlobStore
}

// NewTieredStore создает двухуровневое хранилище
func NewTieredStore(hot, cold BlobStore) *TieredStore {
	return &TieredStore{hot: hot, cold: cold}
}

// Put пишет в постоянное хранилище, затем в кеш. Ошибка кеша не фатальна.
func (t *TieredStore) Put(ctx context.Context, key string, value []byte) error {
	if err := t.cold.Put(ctx, key, value); err != nil {
		return err
	}
	if err := t.hot.Put(ctx, key, value); err != nil {
		logging.Warn("Кеш не принял %s: %v", key, err)
	}
	return nil
}

// Get читает из кеша, при промахе из постоянного хранилища (Read-Through)
func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.hot.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrNotFound) {
		logging.Warn("Кеш недоступен для %s: %v", key, err)
	}

	val, err = t.cold.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := t.hot.Put(ctx, key, val); err != nil {
		logging.Debug("Не удалось прогреть кеш %s: %v", key, err)
	}
	return val, nil
}

// Delete удаляет ключ из обоих уровней
func (t *TieredStore) Delete(ctx context.Context, key string) error {
	if err := t.hot.Delete(ctx, key); err != nil {
		logging.Warn("Кеш не удалил %s: %v", key, err)
	}
	return t.cold.Delete(ctx, key)
}

// Keys перечисляет ключи постоянного хранилища
func (t *TieredStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return t.cold.Keys(ctx, prefix)
}

// Close закрывает оба уровня
func (t *TieredStore) Close() error {
	return errors.Join(t.hot.Close(), t.cold.Close())
}
