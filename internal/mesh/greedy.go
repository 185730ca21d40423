package mesh

import (
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
)

// Filter выбирает воксели, грани которых строит мешер
type Filter func(voxel.Type) bool

// AllSolid пропускает все твердые воксели (фильтр по умолчанию)
func AllSolid(t voxel.Type) bool { return t.IsSolid() }

// BlockyOnly пропускает только постройки (гладкий рельеф строит dual contouring)
func BlockyOnly(t voxel.Type) bool { return t.IsBlocky() }

// TerrainOnly пропускает только рельеф
func TerrainOnly(t voxel.Type) bool { return t.IsTerrain() }

// faceSweep описывает одно направление граней: ось нормали d, оси плоскости u и v
type faceSweep struct {
	d, u, v int
	dir     int
}

func sweeps() []faceSweep {
	out := make([]faceSweep, 0, 6)
	for d := 0; d < 3; d++ {
		for _, dir := range [2]int{-1, 1} {
			out = append(out, faceSweep{d: d, u: (d + 1) % 3, v: (d + 2) % 3, dir: dir})
		}
	}
	return out
}

// buildMask заполняет маску открытых граней слоя layer. Возвращает число открытых граней.
// Грань открыта, если воксель проходит фильтр, а ячейка за гранью не твердая.
// Ячейки соседних чанков берутся из отступов снимка.
func buildMask(g *Grid, s faceSweep, layer int, filter Filter, mask []voxel.Type) int {
	du, dv := g.size(s.u), g.size(s.v)
	count := 0
	var p, q [3]int
	p[s.d] = layer
	q[s.d] = layer + s.dir
	for b := 0; b < dv; b++ {
		p[s.v], q[s.v] = b, b
		for a := 0; a < du; a++ {
			p[s.u], q[s.u] = a, a
			t := g.At(p[0], p[1], p[2])
			if !t.IsSolid() || !filter(t) || g.At(q[0], q[1], q[2]).IsSolid() {
				mask[a+b*du] = voxel.Air
				continue
			}
			mask[a+b*du] = t
			count++
		}
	}
	return count
}

// quadCorners переводит прямоугольник маски в четыре угла в метрах.
// Порядок углов дает нормаль +d; для dir < 0 порядок разворачивается.
func quadCorners(g *Grid, s faceSweep, layer, a, b, w, h int) ([4]mgl32.Vec3, mgl32.Vec3) {
	plane := layer
	if s.dir > 0 {
		plane++
	}
	corner := func(du, dv int) mgl32.Vec3 {
		var c [3]int
		c[s.d] = plane
		c[s.u] = a + du
		c[s.v] = b + dv
		return mgl32.Vec3{
			float32(c[0]) * g.scale(0),
			float32(c[1]) * g.scale(1),
			float32(c[2]) * g.scale(2),
		}
	}
	var normal mgl32.Vec3
	normal[s.d] = float32(s.dir)

	if s.dir > 0 {
		return [4]mgl32.Vec3{corner(0, 0), corner(w, 0), corner(w, h), corner(0, h)}, normal
	}
	return [4]mgl32.Vec3{corner(0, 0), corner(0, h), corner(w, h), corner(w, 0)}, normal
}

// GreedyMesher сливает соседние открытые грани одного типа в максимальные прямоугольники
type GreedyMesher struct {
	Filter Filter
}

// NewGreedyMesher создает мешер с фильтром (nil означает все твердые воксели)
func NewGreedyMesher(filter Filter) *GreedyMesher {
	if filter == nil {
		filter = AllSolid
	}
	return &GreedyMesher{Filter: filter}
}

// Mesh строит оптимизированный меш. Результат детерминирован для одинакового снимка.
func (gm *GreedyMesher) Mesh(g *Grid) *OptimizedMesh {
	out := &OptimizedMesh{}
	naiveFaces := 0

	for _, s := range sweeps() {
		du, dv := g.size(s.u), g.size(s.v)
		mask := make([]voxel.Type, du*dv)

		for layer := 0; layer < g.size(s.d); layer++ {
			if buildMask(g, s, layer, gm.Filter, mask) == 0 {
				continue
			}

			for b := 0; b < dv; b++ {
				for a := 0; a < du; {
					t := mask[a+b*du]
					if t == voxel.Air {
						a++
						continue
					}

					w := 1
					for a+w < du && mask[a+w+b*du] == t {
						w++
					}

					h := 1
				grow:
					for b+h < dv {
						for k := 0; k < w; k++ {
							if mask[a+k+(b+h)*du] != t {
								break grow
							}
						}
						h++
					}

					corners, normal := quadCorners(g, s, layer, a, b, w, h)
					out.addQuad(corners, normal, t)
					naiveFaces += w * h

					for j := 0; j < h; j++ {
						for k := 0; k < w; k++ {
							mask[a+k+(b+j)*du] = voxel.Air
						}
					}
					a += w
				}
			}
		}
	}

	out.NaiveTriangles = naiveFaces * 2
	out.ReductionPercent = reduction(out.NaiveTriangles, out.TriangleCount())
	return out
}
