package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Options управляет сборкой мешей чанка
type Options struct {
	// SmoothTerrain включает dual contouring для рельефа; иначе все воксели строит greedy
	SmoothTerrain  bool
	Regularization float64
}

// Build строит все меши снимка. При ошибке dual contouring рельеф заменяется
// наивным мешем, Bundle.Degraded выставляется, а ошибка возвращается вместе с результатом.
func Build(g *Grid, opts Options) (*Bundle, error) {
	return buildWith(g, opts, func(g *Grid) *DensityField { return BuildDensity(g, TerrainOnly) })
}

func buildWith(g *Grid, opts Options, density func(*Grid) *DensityField) (*Bundle, error) {
	if !opts.SmoothTerrain {
		return &Bundle{Blocky: NewGreedyMesher(AllSolid).Mesh(g)}, nil
	}

	bundle := &Bundle{Blocky: NewGreedyMesher(BlockyOnly).Mesh(g)}

	field := density(g)
	own := Bounds{
		Min: [3]int{0, -1, 0},
		Max: [3]int{g.SizeX, g.SizeY + 1, g.SizeZ},
	}
	terrain, err := NewDualContouringMesher(opts.Regularization).Mesh(field, own, ContourOptions{
		Scale:    mgl32.Vec3{g.scale(0), g.scale(1), g.scale(2)},
		Material: terrainMaterial(g),
	})
	if err != nil {
		bundle.Terrain = &TerrainMesh{Mesh: *NewNaiveMesher(TerrainOnly).Mesh(g)}
		bundle.Degraded = true
		return bundle, fmt.Errorf("dual contouring: %w", err)
	}
	bundle.Terrain = terrain
	return bundle, nil
}
