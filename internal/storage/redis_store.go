package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/voxel-engine/internal/logging"
)

// RedisConfig содержит параметры подключения к Redis
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	Prefix         string
	TTL            time.Duration
	MaxConnections int
}

// RedisStore реализует BlobStore поверх Redis.
// Ключи хранятся с префиксом пространства имен, TTL = 0 означает отсутствие истечения.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore подключается к Redis и проверяет соединение
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "voxel:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis %s: %w", cfg.Addr, err)
	}

	logging.Info("Redis хранилище подключено: %s (префикс %s)", cfg.Addr, cfg.Prefix)
	return &RedisStore{client: rdb, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

// Put сохраняет значение
func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("ошибка записи %s в Redis: %w", key, err)
	}
	return nil
}

// Get читает значение
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s из Redis: %w", key, err)
	}
	return val, nil
}

// Delete удаляет ключ
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("ошибка удаления %s из Redis: %w", key, err)
	}
	return nil
}

// Keys перебирает ключи через SCAN
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ошибка перебора ключей Redis: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close закрывает соединение
func (r *RedisStore) Close() error {
	return r.client.Close()
}
