package world

import (
	"math"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
)

// RayHit содержит результат трассировки луча
type RayHit struct {
	Chunk ChunkPos
	// Local содержит локальную координату уровня 0
	Local vec.Vec3
	// Voxel содержит глобальную координату вокселя уровня 0
	Voxel vec.Vec3
	Type  voxel.Type
	// Normal указывает грань, через которую вошел луч (нулевая, если начало внутри вокселя)
	Normal   vec.Vec3
	Distance float64
}

// Raycast проходит луч алгоритмом DDA по сетке уровня 0 и возвращает первый твердый воксель.
// origin и maxDist задаются в метрах.
func (w *World) Raycast(origin, dir vec.Vec3Float, maxDist float64) (RayHit, bool) {
	d := dir.Normalized()
	if d.Length() == 0 || !origin.IsFinite() || maxDist <= 0 {
		return RayHit{}, false
	}

	vs := w.dims.VoxelSize
	p := [3]float64{origin.X / vs, origin.Y / vs, origin.Z / vs}
	dv := [3]float64{d.X, d.Y, d.Z}
	cell := [3]int{int(math.Floor(p[0])), int(math.Floor(p[1])), int(math.Floor(p[2]))}

	var step [3]int
	var tMax, tDelta [3]float64
	for i := 0; i < 3; i++ {
		switch {
		case dv[i] > 0:
			step[i] = 1
			tMax[i] = (float64(cell[i]+1) - p[i]) / dv[i]
			tDelta[i] = 1 / dv[i]
		case dv[i] < 0:
			step[i] = -1
			tMax[i] = (p[i] - float64(cell[i])) / -dv[i]
			tDelta[i] = -1 / dv[i]
		default:
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	limit := maxDist / vs
	t := 0.0
	var normal [3]int
	for t <= limit {
		v := vec.Vec3{X: cell[0], Y: cell[1], Z: cell[2]}
		if tp := w.GetFine(v); tp.IsSolid() {
			pos, local := w.dims.SplitVoxel(v)
			return RayHit{
				Chunk:    pos,
				Local:    local,
				Voxel:    v,
				Type:     tp,
				Normal:   vec.Vec3{X: normal[0], Y: normal[1], Z: normal[2]},
				Distance: t * vs,
			}, true
		}

		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		t = tMax[axis]
		cell[axis] += step[axis]
		tMax[axis] += tDelta[axis]
		normal = [3]int{}
		normal[axis] = -step[axis]
	}
	return RayHit{}, false
}
