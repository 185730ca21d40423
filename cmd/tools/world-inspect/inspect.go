package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/storage"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/world"
)

const (
	worldPrefix      = "world:"
	quarantinePrefix = "quarantine:"
)

// listWorlds выводит сохраненные и карантинные миры
func listWorlds(ctx context.Context, store storage.BlobStore, out io.Writer, prefix string) error {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	var saved, quarantined int
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			fmt.Fprintf(out, "⚠️  %s: %v\n", key, err)
			continue
		}
		switch {
		case strings.HasPrefix(key, quarantinePrefix):
			quarantined++
			fmt.Fprintf(out, "☣️  %-40s %8d байт\n", key, len(data))
		case strings.HasPrefix(key, worldPrefix):
			saved++
			cw, err := streaming.ParseCompressed(data)
			if err != nil {
				fmt.Fprintf(out, "❌ %-40s поврежден: %v\n", key, err)
				continue
			}
			fmt.Fprintf(out, "🧊 %-40s %8d байт, чанков %d, сжат %s\n",
				key, cw.Size(), cw.Chunks, cw.CompressedAt.Format("2006-01-02 15:04:05"))
		default:
			fmt.Fprintf(out, "   %-40s %8d байт\n", key, len(data))
		}
	}
	fmt.Fprintf(out, "\n📊 Миров: %d, в карантине: %d\n", saved, quarantined)
	return nil
}

// inspectWorld распаковывает мир (по идентификатору или ключу) и печатает сводку
func inspectWorld(ctx context.Context, store storage.BlobStore, out io.Writer, id, key string) error {
	if key == "" {
		wid, err := world.ParseWorldID(id)
		if err != nil {
			return err
		}
		key = streaming.WorldKey(wid)
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	cw, err := streaming.ParseCompressed(data)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	w, err := cw.Decompress(world.Options{})
	if err != nil {
		return fmt.Errorf("%s: распаковка: %w", key, err)
	}

	tiers := make(map[world.Tier]int)
	storages := make(map[world.StorageKind]int)
	for _, info := range w.ChunkStats() {
		tiers[info.Tier]++
		storages[info.Storage]++
	}

	fmt.Fprintf(out, "🌍 %s (%s)\n", cw.ID, key)
	fmt.Fprintf(out, "  Создан:        %s\n", cw.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Доступ:        %s\n", cw.LastAccess.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Сжат:          %s\n", cw.CompressedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Размер:        %d байт (%.1f%% от %d)\n", cw.Size(), cw.Ratio()*100, cw.RawBytes)
	fmt.Fprintf(out, "  Память:        %d байт\n", w.MemoryBytes())
	fmt.Fprintf(out, "  Чанков:        %d\n", w.ChunkCount())
	for t := world.Tier(0); t <= w.Dimensions().Coarsest(); t++ {
		if n := tiers[t]; n > 0 {
			fmt.Fprintf(out, "    уровень %d:   %d\n", t, n)
		}
	}
	for kind, n := range storages {
		fmt.Fprintf(out, "    %s: %d\n", kind, n)
	}
	fmt.Fprintf(out, "  Сущностей:     %d\n", len(w.Entities()))
	fmt.Fprintf(out, "  Правок:        %d\n", w.ModificationCount())
	return nil
}

// restoreQuarantined возвращает карантинные байты на место мира, если они читаются
func restoreQuarantined(ctx context.Context, store storage.BlobStore, out io.Writer, key string) error {
	if !strings.HasPrefix(key, quarantinePrefix) {
		return fmt.Errorf("ключ %q не из карантина", key)
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	cw, err := streaming.ParseCompressed(data)
	if err != nil {
		return fmt.Errorf("данные по-прежнему повреждены: %w", err)
	}
	if _, err := cw.Decompress(world.Options{}); err != nil {
		return fmt.Errorf("данные по-прежнему повреждены: %w", err)
	}

	target := streaming.WorldKey(cw.ID)
	if err := store.Put(ctx, target, data); err != nil {
		return err
	}
	if err := store.Delete(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %s восстановлен в %s\n", key, target)
	return nil
}

func dropKey(ctx context.Context, store storage.BlobStore, out io.Writer, key string) error {
	if key == "" {
		return errors.New("нужен -key")
	}
	if err := store.Delete(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "🗑️  %s удален\n", key)
	return nil
}

// watchEvents печатает события движка из шины до отмены контекста
func watchEvents(ctx context.Context, bus eventbus.EventBus, out io.Writer, types []string) error {
	consumer, err := vsync.NewConsumer(ctx, bus, func(_ context.Context, source string, batch vsync.VoxelChangeBatch) {
		fmt.Fprintf(out, "[%s] %s изменений: %d (%s … %s)\n",
			batch.End.Format("15:04:05.000"), source, batch.Len(),
			batch.Start.Format("15:04:05.000"), batch.End.Format("15:04:05.000"))
	})
	if err != nil {
		return err
	}
	defer consumer.Stop()

	filter := eventbus.Filter{Types: []string{eventbus.TypeStreaming, eventbus.TypeWorldMemory, eventbus.TypeMeshReady}}
	if len(types) > 0 {
		filter.Types = types
	}
	sub, err := bus.Subscribe(ctx, filter, func(_ context.Context, ev *eventbus.Envelope) {
		fmt.Fprintln(out, formatEnvelope(ev))
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(out, "🎬 Ожидание событий (%s)\n", strings.Join(filter.Types, ", "))
	<-ctx.Done()
	return nil
}

// formatEnvelope выводит событие в читаемом формате
func formatEnvelope(ev *eventbus.Envelope) string {
	head := fmt.Sprintf("[%s] %s [%s]", ev.Timestamp.Format("15:04:05.000"), ev.Source, ev.EventType)
	switch ev.EventType {
	case eventbus.TypeStreaming:
		var p engine.StreamingPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			if p.Error != "" {
				return fmt.Sprintf("%s %s → %s: %s", head, p.World, p.Kind, p.Error)
			}
			return fmt.Sprintf("%s %s → %s", head, p.World, p.Kind)
		}
	case eventbus.TypeWorldMemory:
		var p engine.WorldMemoryPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s: %d байт", head, p.World, p.Bytes)
		}
	case eventbus.TypeMeshReady:
		var p engine.MeshReadyPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s (%d,%d): %d треугольников, degraded=%v", head, p.World, p.ChunkX, p.ChunkZ, p.Triangles, p.Degraded)
		}
	}
	return fmt.Sprintf("%s %d байт", head, len(ev.Payload))
}
