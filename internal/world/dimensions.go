package world

import (
	"fmt"
	"math"

	"github.com/annel0/voxel-engine/internal/vec"
)

// Tier задает уровень детализации, 0 самый подробный
type Tier uint8

// ChunkPos задает позицию колонки-чанка на плоскости XZ
type ChunkPos struct {
	X, Z int
}

// Add сдвигает позицию
func (p ChunkPos) Add(dx, dz int) ChunkPos {
	return ChunkPos{X: p.X + dx, Z: p.Z + dz}
}

// Neighbors возвращает четырех соседей по граням в порядке -X, +X, -Z, +Z
func (p ChunkPos) Neighbors() [4]ChunkPos {
	return [4]ChunkPos{p.Add(-1, 0), p.Add(1, 0), p.Add(0, -1), p.Add(0, 1)}
}

// Vec2 переводит позицию в вектор
func (p ChunkPos) Vec2() vec.Vec2 {
	return vec.Vec2{X: p.X, Z: p.Z}
}

// String форматирует позицию
func (p ChunkPos) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Z)
}

// Dimensions описывает размеры чанков мира.
// Высота уровня t равна BaseHeight >> t; ячейка уровня t покрывает 2^t ячеек уровня 0 по вертикали.
type Dimensions struct {
	Side       int
	BaseHeight int
	Tiers      int
	VoxelSize  float64
}

// DefaultDimensions возвращает размеры 32×2048×32 с пятью уровнями и вокселем 0.1 м
func DefaultDimensions() Dimensions {
	return Dimensions{Side: 32, BaseHeight: 2048, Tiers: 5, VoxelSize: 0.1}
}

// Validate проверяет, что высоты уровней строго убывают и не обнуляются
func (d Dimensions) Validate() error {
	if d.Side <= 0 || d.Side > 128 {
		return fmt.Errorf("размер чанка %d вне диапазона 1..128", d.Side)
	}
	if d.Tiers <= 0 || d.Tiers > 8 {
		return fmt.Errorf("число уровней %d вне диапазона 1..8", d.Tiers)
	}
	if d.BaseHeight <= 0 || d.BaseHeight%(1<<(d.Tiers-1)) != 0 {
		return fmt.Errorf("высота %d должна делиться на %d", d.BaseHeight, 1<<(d.Tiers-1))
	}
	if d.VoxelSize <= 0 {
		return fmt.Errorf("размер вокселя должен быть положительным")
	}
	return nil
}

// Coarsest возвращает самый грубый уровень
func (d Dimensions) Coarsest() Tier {
	return Tier(d.Tiers - 1)
}

// Height возвращает высоту чанка на уровне
func (d Dimensions) Height(t Tier) int {
	return d.BaseHeight >> t
}

// Volume возвращает число ячеек чанка на уровне
func (d Dimensions) Volume(t Tier) int {
	return d.Side * d.Height(t) * d.Side
}

// Contains проверяет локальную координату на уровне
func (d Dimensions) Contains(t Tier, local vec.Vec3) bool {
	return local.X >= 0 && local.X < d.Side &&
		local.Z >= 0 && local.Z < d.Side &&
		local.Y >= 0 && local.Y < d.Height(t)
}

// Index возвращает линейный индекс x + y*Side + z*Side*Height(t)
func (d Dimensions) Index(t Tier, x, y, z int) int {
	return x + y*d.Side + z*d.Side*d.Height(t)
}

// ChunkMeters возвращает сторону чанка в метрах
func (d Dimensions) ChunkMeters() float64 {
	return float64(d.Side) * d.VoxelSize
}

// ChunkCenter возвращает центр колонки в метрах
func (d Dimensions) ChunkCenter(p ChunkPos) vec.Vec3Float {
	half := d.ChunkMeters() / 2
	return vec.Vec3Float{
		X: float64(p.X)*d.ChunkMeters() + half,
		Y: float64(d.BaseHeight) * d.VoxelSize / 2,
		Z: float64(p.Z)*d.ChunkMeters() + half,
	}
}

// ChunkAt возвращает чанк, содержащий точку в метрах
func (d Dimensions) ChunkAt(p vec.Vec3Float) ChunkPos {
	pos, _ := d.WorldToVoxel(p)
	return pos
}

// WorldToVoxel переводит точку в метрах в чанк и локальную координату уровня 0.
// Используется округление вниз, поэтому отрицательные координаты попадают в свои чанки.
func (d Dimensions) WorldToVoxel(p vec.Vec3Float) (ChunkPos, vec.Vec3) {
	v := vec.Vec3{
		X: int(math.Floor(p.X / d.VoxelSize)),
		Y: int(math.Floor(p.Y / d.VoxelSize)),
		Z: int(math.Floor(p.Z / d.VoxelSize)),
	}
	return d.SplitVoxel(v)
}

// SplitVoxel делит глобальную координату вокселя уровня 0 на чанк и локальную часть
func (d Dimensions) SplitVoxel(v vec.Vec3) (ChunkPos, vec.Vec3) {
	return ChunkPos{X: vec.FloorDiv(v.X, d.Side), Z: vec.FloorDiv(v.Z, d.Side)},
		vec.Vec3{X: vec.FloorMod(v.X, d.Side), Y: v.Y, Z: vec.FloorMod(v.Z, d.Side)}
}

// VoxelToWorld возвращает центр вокселя уровня 0 в метрах
func (d Dimensions) VoxelToWorld(p ChunkPos, local vec.Vec3) vec.Vec3Float {
	return vec.Vec3Float{
		X: (float64(p.X*d.Side+local.X) + 0.5) * d.VoxelSize,
		Y: (float64(local.Y) + 0.5) * d.VoxelSize,
		Z: (float64(p.Z*d.Side+local.Z) + 0.5) * d.VoxelSize,
	}
}
