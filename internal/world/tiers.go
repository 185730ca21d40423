package world

import "github.com/annel0/voxel-engine/internal/voxel"

// Coarsen сводит буфер уровня 0 к уровню t: каждая грубая ячейка покрывает
// 2^t соседних по вертикали ячеек. Если твердых не меньше половины, берется
// самый частый твердый тип (при равенстве меньший), иначе Air.
func Coarsen(fine []voxel.Type, dims Dimensions, t Tier) []voxel.Type {
	if t == 0 {
		return fine
	}
	factor := 1 << t
	height := dims.Height(t)
	out := make([]voxel.Type, dims.Volume(t))

	var counts [voxel.Count]int
	for z := 0; z < dims.Side; z++ {
		for x := 0; x < dims.Side; x++ {
			for y := 0; y < height; y++ {
				counts = [voxel.Count]int{}
				solid := 0
				for k := 0; k < factor; k++ {
					v := fine[dims.Index(0, x, y*factor+k, z)]
					counts[v]++
					if v.IsSolid() {
						solid++
					}
				}
				if solid*2 < factor {
					continue
				}
				best, bestN := voxel.Air, 0
				for i := 1; i < voxel.Count; i++ {
					if counts[i] > bestN {
						best, bestN = voxel.Type(i), counts[i]
					}
				}
				out[dims.Index(t, x, y, z)] = best
			}
		}
	}
	return out
}
