package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound возвращается, если ключ отсутствует в хранилище
	ErrNotFound = errors.New("ключ не найден")
	// ErrClosed возвращается закрытым хранилищем
	ErrClosed = errors.New("хранилище закрыто")
)

// BlobStore хранит бинарные объекты по строковому ключу.
// Используется для сжатых миров и карантина поврежденных данных.
type BlobStore interface {
	// Put сохраняет значение, перезаписывая старое.
	Put(ctx context.Context, key string, value []byte) error

	// Get возвращает копию значения или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete удаляет ключ; отсутствие ключа не ошибка.
	Delete(ctx context.Context, key string) error

	// Keys возвращает отсортированные ключи с префиксом.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close освобождает ресурсы.
	Close() error
}
