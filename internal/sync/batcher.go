package sync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

const (
	// DefaultWindow задает окно накопления изменений
	DefaultWindow = 100 * time.Millisecond
	// DefaultCapacity задает число различных ячеек, после которого окно закрывается досрочно
	DefaultCapacity = 4096
)

type cellKey struct {
	world world.WorldID
	chunk world.ChunkPos
	local vec.Vec3
}

// ChangeBatcher накапливает изменения ячеек и отдает их пакетами раз в окно.
// Повторные изменения одной ячейки внутри окна схлопываются до последнего.
type ChangeBatcher struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int

	start time.Time
	order []cellKey
	cells map[cellKey]voxel.Type

	added     atomic.Uint64
	coalesced atomic.Uint64
	batches   atomic.Uint64
}

// NewChangeBatcher создаёт накопитель с указанным окном и лимитом ячеек.
func NewChangeBatcher(window time.Duration, capacity int) *ChangeBatcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ChangeBatcher{
		window:   window,
		capacity: capacity,
		cells:    make(map[cellKey]voxel.Type),
	}
}

// Window возвращает длину окна
func (b *ChangeBatcher) Window() time.Duration { return b.window }

// Add добавляет изменение. Возвращает true, если достигнут лимит и пакет пора отдать.
func (b *ChangeBatcher) Add(c VoxelChange, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		b.start = now
	}
	key := cellKey{world: c.World, chunk: c.Chunk, local: c.Local}
	if _, ok := b.cells[key]; ok {
		b.coalesced.Add(1)
	} else {
		b.order = append(b.order, key)
	}
	b.cells[key] = c.NewType
	b.added.Add(1)
	return len(b.order) >= b.capacity
}

// Pending возвращает число ячеек в текущем окне
func (b *ChangeBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush отдает пакет, если окно истекло или пакет заполнен. force отдает его сразу.
func (b *ChangeBatcher) Flush(now time.Time, force bool) (VoxelChangeBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		return VoxelChangeBatch{}, false
	}
	if !force && now.Sub(b.start) < b.window && len(b.order) < b.capacity {
		return VoxelChangeBatch{}, false
	}

	batch := VoxelChangeBatch{
		Start:   b.start,
		End:     now,
		Changes: make([]VoxelChange, 0, len(b.order)),
	}
	for _, key := range b.order {
		batch.Changes = append(batch.Changes, VoxelChange{
			World:   key.world,
			Chunk:   key.chunk,
			Local:   key.local,
			NewType: b.cells[key],
		})
	}

	b.order = b.order[:0]
	b.cells = make(map[cellKey]voxel.Type, len(batch.Changes))
	b.batches.Add(1)
	return batch, true
}

// DropWorld отбрасывает накопленные изменения выгруженного мира
func (b *ChangeBatcher) DropWorld(id world.WorldID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.order[:0]
	dropped := 0
	for _, key := range b.order {
		if key.world == id {
			delete(b.cells, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	b.order = kept
	return dropped
}

// GetStats возвращает статистику накопителя
func (b *ChangeBatcher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"window_ms": b.window.Milliseconds(),
		"capacity":  b.capacity,
		"pending":   b.Pending(),
		"added":     b.added.Load(),
		"coalesced": b.coalesced.Load(),
		"batches":   b.batches.Load(),
	}
}
