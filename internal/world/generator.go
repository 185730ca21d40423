package world

import (
	"github.com/annel0/voxel-engine/internal/util"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/cespare/xxhash/v2"
)

// Generator заполняет буфер уровня 0 (Side × BaseHeight × Side) для колонки.
// Буфер передается обнуленным (Air). Результат должен зависеть только от позиции.
type Generator interface {
	Generate(pos ChunkPos, dims Dimensions, out []voxel.Type)
}

// TerrainGenerator строит рельеф по карте высот из шума Перлина.
// Высота и слои задаются в условных единицах рельефа (Unit метров):
// height = Base + noise(x·Frequency, z·Frequency)·Amplitude, плотность = height − y,
// тип выбирается voxel.FromDensity.
type TerrainGenerator struct {
	noise     *util.Noise
	Unit      float64
	Base      float64
	Amplitude float64
	Frequency float64
	// SandBelow задает высоту (в единицах), ниже которой поверхность колонны покрывается песком
	SandBelow float64
}

// NewTerrainGenerator создает генератор рельефа с параметрами по умолчанию:
// пологие холмы ±8 м с периодом порядка 160 м
func NewTerrainGenerator(seed int64) *TerrainGenerator {
	return &TerrainGenerator{
		noise:     util.NewNoise(seed),
		Unit:      40,
		Base:      1.5,
		Amplitude: 0.2,
		Frequency: 0.25,
		SandBelow: 1.2,
	}
}

// Seed возвращает сид шума
func (g *TerrainGenerator) Seed() int64 {
	return g.noise.Seed()
}

// SurfaceHeight возвращает высоту поверхности в единицах рельефа для точки в метрах
func (g *TerrainGenerator) SurfaceHeight(xMeters, zMeters float64) float64 {
	x := xMeters / g.Unit
	z := zMeters / g.Unit
	return g.Base + g.noise.Signed2D(x*g.Frequency, z*g.Frequency)*g.Amplitude
}

// Generate реализует Generator
func (g *TerrainGenerator) Generate(pos ChunkPos, dims Dimensions, out []voxel.Type) {
	for z := 0; z < dims.Side; z++ {
		for x := 0; x < dims.Side; x++ {
			wx := (float64(pos.X*dims.Side+x) + 0.5) * dims.VoxelSize
			wz := (float64(pos.Z*dims.Side+z) + 0.5) * dims.VoxelSize
			height := g.SurfaceHeight(wx, wz)
			sandy := height < g.SandBelow

			for y := 0; y < dims.BaseHeight; y++ {
				yu := (float64(y) + 0.5) * dims.VoxelSize / g.Unit
				t := voxel.FromDensity(height-yu, yu)
				if t == voxel.Air {
					break
				}
				if sandy && t == voxel.Grass {
					t = voxel.Sand
				}
				out[dims.Index(0, x, y, z)] = t
			}
		}
	}
}

// BaseGenerator строит подземную базу: каменный массив до пола,
// металлический пол в центральных колоннах, выше пустота.
type BaseGenerator struct {
	FloorMeters float64
	// PlateRadius задает радиус (в чанках) металлического пола вокруг начала координат
	PlateRadius int
	seed        uint64
}

// NewBaseGenerator создает генератор базы для владельца
func NewBaseGenerator(owner string) *BaseGenerator {
	return &BaseGenerator{FloorMeters: 8, PlateRadius: 1, seed: xxhash.Sum64String(owner)}
}

// Generate реализует Generator
func (g *BaseGenerator) Generate(pos ChunkPos, dims Dimensions, out []voxel.Type) {
	floor := int(g.FloorMeters / dims.VoxelSize)
	if floor >= dims.BaseHeight {
		floor = dims.BaseHeight - 1
	}
	plate := abs(pos.X) <= g.PlateRadius && abs(pos.Z) <= g.PlateRadius

	for z := 0; z < dims.Side; z++ {
		for x := 0; x < dims.Side; x++ {
			for y := 0; y < floor; y++ {
				out[dims.Index(0, x, y, z)] = voxel.Stone
			}
			if plate {
				out[dims.Index(0, x, floor, z)] = voxel.Metal
			} else if g.seed%7 == uint64(abs(pos.X+pos.Z)%7) {
				out[dims.Index(0, x, floor, z)] = voxel.Dirt
			}
		}
	}
}

// FlatGenerator заполняет все колонны до Height ячеек одним типом (для тестов и арен)
type FlatGenerator struct {
	Height int
	Type   voxel.Type
}

// Generate реализует Generator
func (g FlatGenerator) Generate(pos ChunkPos, dims Dimensions, out []voxel.Type) {
	h := min(g.Height, dims.BaseHeight)
	for z := 0; z < dims.Side; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < dims.Side; x++ {
				out[dims.Index(0, x, y, z)] = g.Type
			}
		}
	}
}

// DefaultGenerator выбирает генератор по виду мира
func DefaultGenerator(id WorldID, overworldSeed int64) Generator {
	switch id.Kind {
	case KindMission:
		return NewTerrainGenerator(id.Seed)
	case KindBase:
		return NewBaseGenerator(id.Owner)
	case KindOverworld:
		return NewTerrainGenerator(overworldSeed)
	default:
		return FlatGenerator{}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
