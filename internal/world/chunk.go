package world

import (
	"sync/atomic"

	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
)

// Chunk хранит колонку ячеек Side × Height(tier) × Side на позиции Pos.
// Содержимое меняется только потоком симуляции под блокировкой мира;
// меш подменяется атомарно и читается рендером без блокировок.
type Chunk struct {
	Pos ChunkPos

	dims    Dimensions
	tier    Tier
	store   cellStore
	dirty   bool
	version uint64

	mesh      atomic.Pointer[mesh.Bundle]
	meshBytes int64
}

func newChunk(pos ChunkPos, dims Dimensions, tier Tier, cells []voxel.Type) *Chunk {
	return &Chunk{
		Pos:     pos,
		dims:    dims,
		tier:    tier,
		store:   newDenseStore(cells),
		dirty:   true,
		version: 1,
	}
}

// Tier возвращает текущий уровень детализации
func (c *Chunk) Tier() Tier { return c.tier }

// Height возвращает высоту буфера на текущем уровне
func (c *Chunk) Height() int { return c.dims.Height(c.tier) }

// Version увеличивается при каждом изменении содержимого
func (c *Chunk) Version() uint64 { return c.version }

// IsDirty сообщает, что меш устарел
func (c *Chunk) IsDirty() bool { return c.dirty }

// StorageKind возвращает текущий способ хранения
func (c *Chunk) StorageKind() StorageKind { return c.store.kind() }

// CellCount возвращает число ячеек буфера
func (c *Chunk) CellCount() int { return c.store.size() }

// Mesh возвращает последний установленный меш (может быть nil)
func (c *Chunk) Mesh() *mesh.Bundle { return c.mesh.Load() }

// BufferBytes возвращает память буфера ячеек
func (c *Chunk) BufferBytes() int64 { return c.store.bytes() }

// Bytes возвращает память буфера и меша
func (c *Chunk) Bytes() int64 { return c.store.bytes() + c.meshBytes }

func (c *Chunk) index(local vec.Vec3) (int, bool) {
	if !c.dims.Contains(c.tier, local) {
		return 0, false
	}
	return c.dims.Index(c.tier, local.X, local.Y, local.Z), true
}

// Get возвращает ячейку; false, если координата вне границ уровня
func (c *Chunk) Get(local vec.Vec3) (voxel.Type, bool) {
	i, ok := c.index(local)
	if !ok {
		return voxel.Air, false
	}
	return c.store.get(i), true
}

func (c *Chunk) at(x, y, z int) voxel.Type {
	return c.store.get(c.dims.Index(c.tier, x, y, z))
}

// setDelta оценивает изменение памяти буфера при записи
func (c *Chunk) setDelta(i int, t voxel.Type) int64 {
	if sp, ok := c.store.(*sparseStore); ok {
		return sp.setDelta(i, t)
	}
	return 0
}

func (c *Chunk) markDirty() {
	c.dirty = true
	c.version++
}

// optimize переключает хранилище по доле ячеек, отличных от значения по умолчанию.
// Ниже threshold хранилище становится разреженным, выше 2×threshold плотным. Возвращает изменение памяти.
func (c *Chunk) optimize(threshold float64, reserve func(int64) error) int64 {
	if threshold <= 0 {
		return 0
	}
	ratio := float64(c.store.deviating()) / float64(c.store.size())
	before := c.store.bytes()
	switch s := c.store.(type) {
	case *denseStore:
		if ratio < threshold {
			sp := s.toSparse()
			if sp.bytes() < before {
				c.store = sp
			}
		}
	case *sparseStore:
		if ratio > 2*threshold {
			growth := int64(s.size()) - before
			if growth > 0 && reserve != nil && reserve(growth) != nil {
				return 0
			}
			c.store = s.toDense()
		}
	}
	return c.store.bytes() - before
}

// setMesh подменяет меш и возвращает изменение памяти
func (c *Chunk) setMesh(b *mesh.Bundle) int64 {
	delta := b.Bytes() - c.meshBytes
	c.mesh.Store(b)
	c.meshBytes = b.Bytes()
	return delta
}

// dropMesh удаляет меш и возвращает изменение памяти
func (c *Chunk) dropMesh() int64 {
	delta := -c.meshBytes
	c.mesh.Store(nil)
	c.meshBytes = 0
	return delta
}
