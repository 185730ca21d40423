package sync

import (
	"time"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

// VoxelChange описывает итоговое состояние одной ячейки
type VoxelChange struct {
	World   world.WorldID
	Chunk   world.ChunkPos
	Local   vec.Vec3
	NewType voxel.Type
}

// VoxelChangeBatch содержит изменения за одно окно, по одному на ячейку, в порядке первого изменения
type VoxelChangeBatch struct {
	Start   time.Time
	End     time.Time
	Changes []VoxelChange
}

// Len возвращает число изменений
func (b VoxelChangeBatch) Len() int { return len(b.Changes) }
