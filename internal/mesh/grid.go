package mesh

import "github.com/annel0/voxel-engine/internal/voxel"

// Отступы снимка по X и Z: два слоя соседей снизу (для решетки плотности),
// один сверху.
const (
	LowPad  = 2
	HighPad = 1
)

// Grid хранит неизменяемый снимок ячеек чанка вместе с граничными ячейками соседей.
// Снимается в потоке симуляции и передается в пул мешинга.
type Grid struct {
	SizeX, SizeY, SizeZ int
	// VoxelSize задает размер ячейки по горизонтали в метрах
	VoxelSize float32
	// YScale показывает, во сколько раз ячейка выше VoxelSize (2^tier)
	YScale float32
	// Below задает тип под нижней границей мира
	Below voxel.Type

	padX  int
	cells []voxel.Type
}

// NewGrid создает пустой (Air) снимок
func NewGrid(sizeX, sizeY, sizeZ int, voxelSize, yScale float32) *Grid {
	padX := sizeX + LowPad + HighPad
	padZ := sizeZ + LowPad + HighPad
	return &Grid{
		SizeX:     sizeX,
		SizeY:     sizeY,
		SizeZ:     sizeZ,
		VoxelSize: voxelSize,
		YScale:    yScale,
		Below:     voxel.Stone,
		padX:      padX,
		cells:     make([]voxel.Type, padX*sizeY*padZ),
	}
}

func (g *Grid) index(x, y, z int) (int, bool) {
	if x < -LowPad || x >= g.SizeX+HighPad || z < -LowPad || z >= g.SizeZ+HighPad || y < 0 || y >= g.SizeY {
		return 0, false
	}
	return (x + LowPad) + y*g.padX + (z+LowPad)*g.padX*g.SizeY, true
}

// At возвращает ячейку; x и z могут выходить в отступы соседей.
// Ниже мира возвращается Below, выше и за отступами Air.
func (g *Grid) At(x, y, z int) voxel.Type {
	if y < 0 {
		return g.Below
	}
	i, ok := g.index(x, y, z)
	if !ok {
		return voxel.Air
	}
	return g.cells[i]
}

// Set записывает ячейку, координаты вне снимка игнорируются
func (g *Grid) Set(x, y, z int, t voxel.Type) {
	if i, ok := g.index(x, y, z); ok {
		g.cells[i] = t
	}
}

// Fill заполняет прямоугольный объем [min, max) (удобно в тестах)
func (g *Grid) Fill(min, max [3]int, t voxel.Type) {
	for z := min[2]; z < max[2]; z++ {
		for y := min[1]; y < max[1]; y++ {
			for x := min[0]; x < max[0]; x++ {
				g.Set(x, y, z, t)
			}
		}
	}
}

func (g *Grid) size(axis int) int {
	switch axis {
	case 0:
		return g.SizeX
	case 1:
		return g.SizeY
	default:
		return g.SizeZ
	}
}

func (g *Grid) scale(axis int) float32 {
	if axis == 1 {
		return g.VoxelSize * g.YScale
	}
	return g.VoxelSize
}
