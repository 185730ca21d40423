package mesh

import (
	"errors"
	"fmt"
	"math"

	"github.com/annel0/voxel-engine/internal/voxel"
)

// ErrMalformedField возвращается для поля плотности с NaN или бесконечностями
var ErrMalformedField = errors.New("некорректное поле плотности")

// DensityField хранит решетку значений плотности. Положительное значение означает точку внутри твердого тела.
// Origin задает решеточную координату первого отсчета, Dims содержит число отсчетов по осям.
type DensityField struct {
	Origin [3]int
	Dims   [3]int
	Values []float32
}

// NewDensityField создает поле, заполненное нулями
func NewDensityField(origin, dims [3]int) *DensityField {
	return &DensityField{
		Origin: origin,
		Dims:   dims,
		Values: make([]float32, dims[0]*dims[1]*dims[2]),
	}
}

// Contains сообщает, есть ли отсчет в точке решетки
func (f *DensityField) Contains(x, y, z int) bool {
	x -= f.Origin[0]
	y -= f.Origin[1]
	z -= f.Origin[2]
	return x >= 0 && y >= 0 && z >= 0 && x < f.Dims[0] && y < f.Dims[1] && z < f.Dims[2]
}

func (f *DensityField) index(x, y, z int) int {
	x -= f.Origin[0]
	y -= f.Origin[1]
	z -= f.Origin[2]
	return x + y*f.Dims[0] + z*f.Dims[0]*f.Dims[1]
}

// At возвращает отсчет; точка должна лежать в поле
func (f *DensityField) At(x, y, z int) float32 {
	return f.Values[f.index(x, y, z)]
}

// Set записывает отсчет; точки вне поля игнорируются
func (f *DensityField) Set(x, y, z int, v float32) {
	if f.Contains(x, y, z) {
		f.Values[f.index(x, y, z)] = v
	}
}

// Validate проверяет размеры и конечность значений
func (f *DensityField) Validate() error {
	if f.Dims[0] < 2 || f.Dims[1] < 2 || f.Dims[2] < 2 {
		return fmt.Errorf("%w: размеры %v", ErrMalformedField, f.Dims)
	}
	if len(f.Values) != f.Dims[0]*f.Dims[1]*f.Dims[2] {
		return fmt.Errorf("%w: %d значений при размерах %v", ErrMalformedField, len(f.Values), f.Dims)
	}
	for i, v := range f.Values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: значение %v в отсчете %d", ErrMalformedField, v, i)
		}
	}
	return nil
}

// BuildDensity строит поле плотности из занятости рельефных вокселей снимка.
// Точка решетки (x,y,z) — общий угол вокселей [x-1..x]×[y-1..y]×[z-1..z];
// ее значение — доля рельефа среди них минус 0.5.
// Точки, касающиеся твердых построек, прижимаются к нулю сверху,
// чтобы рельеф сходился с гранями блоков и не заходил внутрь них.
//
// Поле покрывает решетку x∈[-1,SizeX], y∈[-1,SizeY+1], z∈[-1,SizeZ].
func BuildDensity(g *Grid, terrain Filter) *DensityField {
	if terrain == nil {
		terrain = TerrainOnly
	}
	f := NewDensityField([3]int{-1, -1, -1}, [3]int{g.SizeX + 2, g.SizeY + 3, g.SizeZ + 2})

	for z := -1; z <= g.SizeZ; z++ {
		for y := -1; y <= g.SizeY+1; y++ {
			for x := -1; x <= g.SizeX; x++ {
				solid := 0
				blocky := false
				for dz := -1; dz <= 0; dz++ {
					for dy := -1; dy <= 0; dy++ {
						for dx := -1; dx <= 0; dx++ {
							t := g.At(x+dx, y+dy, z+dz)
							if t.IsSolid() && terrain(t) {
								solid++
							} else if t.IsBlocky() {
								blocky = true
							}
						}
					}
				}
				v := float32(solid)/8 - 0.5
				if blocky && v > 0 {
					v = 0
				}
				f.Set(x, y, z, v)
			}
		}
	}
	return f
}

// terrainMaterial выбирает материал вершины ячейки: сам воксель, если это рельеф,
// иначе ближайший рельефный сосед (снизу в первую очередь). По умолчанию Dirt.
func terrainMaterial(g *Grid) func(cell [3]int) voxel.Type {
	offsets := [][3]int{{0, 0, 0}, {0, -1, 0}, {-1, 0, 0}, {1, 0, 0}, {0, 0, -1}, {0, 0, 1}, {0, 1, 0}}
	return func(cell [3]int) voxel.Type {
		for _, o := range offsets {
			t := g.At(cell[0]+o[0], cell[1]+o[1], cell[2]+o[2])
			if t.IsTerrain() {
				return t
			}
		}
		return voxel.Dirt
	}
}
