package engine

import (
	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

// Cause задает причину правки
type Cause uint8

const (
	CauseDestruction Cause = iota + 1
	CausePlacement
	CauseSystem
)

func (c Cause) String() string {
	switch c {
	case CauseDestruction:
		return "destruction"
	case CausePlacement:
		return "placement"
	case CauseSystem:
		return "system"
	default:
		return "unknown"
	}
}

// VoxelEditRequest описывает запрос на изменение ячейки
type VoxelEditRequest struct {
	World   world.WorldID
	Chunk   world.ChunkPos
	Local   vec.Vec3
	NewType voxel.Type
	Cause   Cause
}

// ViewerPosition задает позицию зрителя (игрока) в мире в метрах
type ViewerPosition struct {
	World    world.WorldID
	Entity   world.EntityID
	Position vec.Vec3Float
}

// ChunkMeshReady сообщает, что новый меш чанка установлен
type ChunkMeshReady struct {
	World world.WorldID
	Chunk world.ChunkPos
	Mesh  *mesh.Bundle
}

// WorldMemoryStats сообщает учтенную память мира
type WorldMemoryStats struct {
	World world.WorldID
	Bytes int64
}

// Listener получает результаты движка в потоке симуляции. Методы не должны блокироваться.
type Listener interface {
	OnChunkMeshReady(ev ChunkMeshReady)
	OnVoxelChanges(batch vsync.VoxelChangeBatch)
	OnWorldMemory(stats WorldMemoryStats)
	OnStreamingEvent(ev streaming.Event)
}

// NopListener реализует Listener пустыми методами для встраивания
type NopListener struct{}

func (NopListener) OnChunkMeshReady(ChunkMeshReady) {}
func (NopListener) OnVoxelChanges(vsync.VoxelChangeBatch) {}
func (NopListener) OnWorldMemory(WorldMemoryStats) {}
func (NopListener) OnStreamingEvent(streaming.Event) {}
