package mesh

import "github.com/annel0/voxel-engine/internal/voxel"

// NaiveMesher строит по одному квадрату на каждую открытую грань.
// Используется как база для сравнения и как запасной меш.
type NaiveMesher struct {
	Filter Filter
}

// NewNaiveMesher создает наивный мешер (nil означает все твердые воксели)
func NewNaiveMesher(filter Filter) *NaiveMesher {
	if filter == nil {
		filter = AllSolid
	}
	return &NaiveMesher{Filter: filter}
}

// Mesh строит наивный меш
func (nm *NaiveMesher) Mesh(g *Grid) *Mesh {
	out := &Mesh{}
	for _, s := range sweeps() {
		du, dv := g.size(s.u), g.size(s.v)
		mask := make([]voxel.Type, du*dv)
		for layer := 0; layer < g.size(s.d); layer++ {
			if buildMask(g, s, layer, nm.Filter, mask) == 0 {
				continue
			}
			for b := 0; b < dv; b++ {
				for a := 0; a < du; a++ {
					if t := mask[a+b*du]; t != voxel.Air {
						corners, normal := quadCorners(g, s, layer, a, b, 1, 1)
						out.addQuad(corners, normal, t)
					}
				}
			}
		}
	}
	return out
}
