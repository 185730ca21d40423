package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/storage"
)

// OpenStore открывает хранилище сжатых миров по секции storage
func (s StorageConfig) OpenStore() (storage.BlobStore, error) {
	switch s.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "badger":
		return storage.NewBadgerStore(filepath.Clean(s.Path))
	case "leveldb":
		return storage.NewLevelDBStore(filepath.Clean(s.Path))
	case "sqlite":
		return storage.NewSQLiteStore(filepath.Clean(s.Path))
	case "redis":
		return storage.NewRedisStore(s.redis())
	case "tiered":
		cold, err := storage.NewBadgerStore(filepath.Clean(s.Path))
		if err != nil {
			return nil, err
		}
		hot, err := storage.NewRedisStore(s.redis())
		if err != nil {
			return nil, errors.Join(err, cold.Close())
		}
		return storage.NewTieredStore(hot, cold), nil
	default:
		return nil, fmt.Errorf("неизвестный backend хранилища %q", s.Backend)
	}
}

func (s StorageConfig) redis() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:     s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
		Prefix:   s.Redis.Prefix,
		TTL:      time.Duration(s.Redis.TTLSeconds) * time.Second,
	}
}

// OpenBus открывает шину событий по секции eventbus
func (e EventBusConfig) OpenBus() (eventbus.EventBus, error) {
	switch e.Backend {
	case "", "memory":
		return eventbus.NewMemoryBus(e.Capacity), nil
	case "nats":
		return eventbus.NewJetStreamBus(e.URL, e.Stream, time.Duration(e.Retention)*time.Hour)
	default:
		return nil, fmt.Errorf("неизвестный backend шины %q", e.Backend)
	}
}
