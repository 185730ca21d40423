package world

import (
	"fmt"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
)

// Registry выдает загруженные миры (реализуется менеджером стриминга)
type Registry interface {
	World(id WorldID) (*World, bool)
}

// Worlds реализует простой реестр на map для тестов и утилит
type Worlds map[WorldID]*World

// World реализует Registry
func (ws Worlds) World(id WorldID) (*World, bool) {
	w, ok := ws[id]
	return w, ok
}

// Volume читает и записывает ячейки по (мир, чанк, локальная координата)
type Volume struct {
	worlds Registry
}

// NewVolume создает фасад над реестром миров
func NewVolume(r Registry) *Volume {
	return &Volume{worlds: r}
}

// World возвращает загруженный и не отсоединенный мир
func (v *Volume) World(id WorldID) (*World, bool) {
	w, ok := v.worlds.World(id)
	if !ok || w == nil || w.Detached() {
		return nil, false
	}
	return w, true
}

// Get возвращает ячейку. Для незагруженного мира или чанка и координат вне границ возвращается Air.
func (v *Volume) Get(id WorldID, pos ChunkPos, local vec.Vec3) voxel.Type {
	w, ok := v.World(id)
	if !ok {
		return voxel.Air
	}
	return w.Get(pos, local)
}

// Set записывает ячейку. Возвращает ErrChunkNotLoaded для незагруженного мира или чанка и ErrOutOfBounds вне уровня.
func (v *Volume) Set(id WorldID, pos ChunkPos, local vec.Vec3, t voxel.Type) error {
	_, err := v.Apply(id, pos, local, t)
	return err
}

// Apply как Set, но сообщает, изменилось ли значение
func (v *Volume) Apply(id WorldID, pos ChunkPos, local vec.Vec3, t voxel.Type) (bool, error) {
	w, ok := v.World(id)
	if !ok {
		return false, fmt.Errorf("%w: мир %s", ErrChunkNotLoaded, id)
	}
	return w.Set(pos, local, t)
}

// Raycast ищет первый твердый воксель по лучу в мире
func (v *Volume) Raycast(id WorldID, origin, dir vec.Vec3Float, maxDist float64) (RayHit, bool) {
	w, ok := v.World(id)
	if !ok {
		return RayHit{}, false
	}
	return w.Raycast(origin, dir, maxDist)
}
