package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
)

// StreamingPayload описывает полезную нагрузку события StreamingEvent
type StreamingPayload struct {
	World string    `json:"world"`
	Kind  string    `json:"kind"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// WorldMemoryPayload описывает полезную нагрузку события WorldMemoryStats
type WorldMemoryPayload struct {
	World string `json:"world"`
	Bytes int64  `json:"bytes"`
}

// MeshReadyPayload описывает полезную нагрузку события ChunkMeshReady (без самой геометрии)
type MeshReadyPayload struct {
	World     string `json:"world"`
	ChunkX    int    `json:"chunk_x"`
	ChunkZ    int    `json:"chunk_z"`
	Triangles int    `json:"triangles"`
	Bytes     int64  `json:"bytes"`
	Degraded  bool   `json:"degraded"`
}

// NewStreamingPayload переводит событие стриминга в JSON-представление
func NewStreamingPayload(ev streaming.Event) StreamingPayload {
	p := StreamingPayload{World: ev.World.String(), Kind: ev.Kind.String(), At: ev.At}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// NewMeshReadyPayload переводит событие готового меша в сводку
func NewMeshReadyPayload(ev ChunkMeshReady) MeshReadyPayload {
	return MeshReadyPayload{
		World:     ev.World.String(),
		ChunkX:    ev.Chunk.X,
		ChunkZ:    ev.Chunk.Z,
		Triangles: ev.Mesh.TriangleCount(),
		Bytes:     ev.Mesh.Bytes(),
		Degraded:  ev.Mesh != nil && ev.Mesh.Degraded,
	}
}

const publishTimeout = 2 * time.Second

// BusListener пересылает события движка в шину. Поток симуляции только ставит
// задачу в очередь; публикацией занимается Run. При переполнении очереди задача отбрасывается.
type BusListener struct {
	bus       eventbus.EventBus
	source    string
	publisher *vsync.Publisher
	queue     chan func(ctx context.Context) error

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	logger    *logging.Logger
}

// NewBusListener создает слушателя; compressor кодирует пакеты изменений
func NewBusListener(bus eventbus.EventBus, source string, compressor vsync.DeltaCompressor, capacity int) *BusListener {
	if capacity <= 0 {
		capacity = 1024
	}
	return &BusListener{
		bus:       bus,
		source:    source,
		publisher: vsync.NewPublisher(bus, source, compressor),
		queue:     make(chan func(ctx context.Context) error, capacity),
		logger:    logging.GetSyncLogger(),
	}
}

func (b *BusListener) enqueue(job func(ctx context.Context) error) {
	select {
	case b.queue <- job:
	default:
		b.dropped.Add(1)
	}
}

func (b *BusListener) publishJSON(eventType string, priority int, v interface{}) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("кодирование %s: %w", eventType, err)
		}
		return b.bus.Publish(ctx, eventbus.NewEnvelope(b.source, eventType, priority, payload))
	}
}

// OnVoxelChanges публикует пакет изменений
func (b *BusListener) OnVoxelChanges(batch vsync.VoxelChangeBatch) {
	b.enqueue(func(ctx context.Context) error { return b.publisher.PublishBatch(ctx, batch) })
}

// OnStreamingEvent публикует смену состояния мира
func (b *BusListener) OnStreamingEvent(ev streaming.Event) {
	b.enqueue(b.publishJSON(eventbus.TypeStreaming, eventbus.HighPriority, NewStreamingPayload(ev)))
}

// OnWorldMemory публикует потребление памяти мира
func (b *BusListener) OnWorldMemory(st WorldMemoryStats) {
	b.enqueue(b.publishJSON(eventbus.TypeWorldMemory, 1, WorldMemoryPayload{World: st.World.String(), Bytes: st.Bytes}))
}

// OnChunkMeshReady публикует сводку по готовому мешу
func (b *BusListener) OnChunkMeshReady(ev ChunkMeshReady) {
	b.enqueue(b.publishJSON(eventbus.TypeMeshReady, 1, NewMeshReadyPayload(ev)))
}

func (b *BusListener) run(ctx context.Context, job func(ctx context.Context) error) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := job(pctx); err != nil {
		b.failed.Add(1)
		b.logger.Warn("⚠️ Публикация события: %v", err)
		return
	}
	b.published.Add(1)
}

// Run публикует события до отмены контекста, затем досылает очередь
func (b *BusListener) Run(ctx context.Context) error {
	for {
		select {
		case job := <-b.queue:
			b.run(ctx, job)
		case <-ctx.Done():
			for {
				select {
				case job := <-b.queue:
					b.run(context.Background(), job)
				default:
					return nil
				}
			}
		}
	}
}

// GetStats возвращает статистику слушателя
func (b *BusListener) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"published": b.published.Load(),
		"dropped":   b.dropped.Load(),
		"failed":    b.failed.Load(),
		"queued":    len(b.queue),
		"batches":   b.publisher.GetStats(),
	}
}
