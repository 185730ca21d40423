package mesh

import (
	"math"
	"testing"

	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sphereField(origin, dims [3]int, center mgl64.Vec3, r float64) *DensityField {
	f := NewDensityField(origin, dims)
	for z := origin[2]; z < origin[2]+dims[2]; z++ {
		for y := origin[1]; y < origin[1]+dims[1]; y++ {
			for x := origin[0]; x < origin[0]+dims[0]; x++ {
				d := mgl64.Vec3{float64(x), float64(y), float64(z)}.Sub(center).Len()
				f.Set(x, y, z, float32(r-d))
			}
		}
	}
	return f
}

func triangleArea(m *Mesh, tri int) float64 {
	a := m.Vertices[m.Indices[tri*3]].Position
	b := m.Vertices[m.Indices[tri*3+1]].Position
	c := m.Vertices[m.Indices[tri*3+2]].Position
	return float64(b.Sub(a).Cross(c.Sub(a)).Len()) / 2
}

func TestDualContouringSeamIsWatertight(t *testing.T) {
	const n = 8
	center := mgl64.Vec3{n + 0.37, 5.41, 4.63}
	dims := [3]int{n + 2, 13, 12}

	left := sphereField([3]int{-1, -1, -1}, dims, center, 3.3)
	right := sphereField([3]int{n - 1, -1, -1}, dims, center, 3.3)

	dc := NewDualContouringMesher(0)
	a, err := dc.Mesh(left, Bounds{Min: [3]int{0, -1, -1}, Max: [3]int{n, 12, 11}}, ContourOptions{})
	require.NoError(t, err)
	b, err := dc.Mesh(right, Bounds{Min: [3]int{n, -1, -1}, Max: [3]int{2 * n, 12, 11}}, ContourOptions{})
	require.NoError(t, err)
	require.NotZero(t, a.TriangleCount(), "Левая половина сферы должна дать треугольники")
	require.NotZero(t, b.TriangleCount(), "Правая половина сферы должна дать треугольники")

	// Объединяем вершины по позиции и считаем использование ребер
	ids := make(map[[3]int64]int)
	key := func(p mgl32.Vec3) int {
		k := [3]int64{}
		for i := 0; i < 3; i++ {
			k[i] = int64(math.Round(float64(p[i]) * 1e4))
		}
		if id, ok := ids[k]; ok {
			return id
		}
		ids[k] = len(ids)
		return ids[k]
	}
	edges := make(map[[2]int]int)
	for _, m := range []*TerrainMesh{a, b} {
		for tri := 0; tri < m.TriangleCount(); tri++ {
			var v [3]int
			for i := 0; i < 3; i++ {
				v[i] = key(m.Vertices[m.Indices[tri*3+i]].Position)
			}
			for i := 0; i < 3; i++ {
				e := [2]int{v[i], v[(i+1)%3]}
				if e[0] > e[1] {
					e[0], e[1] = e[1], e[0]
				}
				edges[e]++
			}
		}
	}

	for e, count := range edges {
		assert.Equal(t, 2, count, "Ребро %v должно принадлежать ровно двум треугольникам", e)
	}
}

func TestDualContouringNoDegenerateTriangles(t *testing.T) {
	f := sphereField([3]int{-1, -1, -1}, [3]int{12, 12, 12}, mgl64.Vec3{4.5, 4.2, 4.8}, 3.1)
	m, err := NewDualContouringMesher(0).Mesh(f, Bounds{Min: [3]int{0, 0, 0}, Max: [3]int{10, 10, 10}}, ContourOptions{})
	require.NoError(t, err)
	require.NotZero(t, m.TriangleCount())

	for tri := 0; tri < m.TriangleCount(); tri++ {
		assert.Greater(t, triangleArea(&m.Mesh, tri), 0.0, "Треугольник %d вырожден", tri)
	}
	assert.Equal(t, len(m.Vertices), m.ActiveCells, "Каждая вершина соответствует активной ячейке")
}

func TestDualContouringPlane(t *testing.T) {
	f := NewDensityField([3]int{-1, -1, -1}, [3]int{6, 7, 6})
	for z := -1; z < 5; z++ {
		for y := -1; y < 6; y++ {
			for x := -1; x < 5; x++ {
				f.Set(x, y, z, float32(2.5-float64(y)))
			}
		}
	}

	m, err := NewDualContouringMesher(0).Mesh(f, Bounds{Min: [3]int{0, -1, 0}, Max: [3]int{4, 6, 4}}, ContourOptions{Scale: mgl32.Vec3{0.1, 0.2, 0.1}})
	require.NoError(t, err)
	assert.Equal(t, 32, m.TriangleCount(), "16 ребер по Y дают 16 квадратов")

	for _, v := range m.Vertices {
		assert.InDelta(t, 0.5, v.Position.Y(), 1e-5, "Вершины лежат на плоскости y=2.5 (в метрах 0.5)")
		assert.InDelta(t, 1.0, v.Normal.Y(), 1e-5, "Нормаль смотрит вверх")
		assert.Equal(t, voxel.Dirt, v.Material)
	}
	for tri := 0; tri < m.TriangleCount(); tri++ {
		a := m.Vertices[m.Indices[tri*3]].Position
		b := m.Vertices[m.Indices[tri*3+1]].Position
		c := m.Vertices[m.Indices[tri*3+2]].Position
		assert.Greater(t, b.Sub(a).Cross(c.Sub(a)).Y(), float32(0), "Обход треугольника задает нормаль наружу")
	}
}

func TestDualContouringRejectsMalformedField(t *testing.T) {
	f := NewDensityField([3]int{0, 0, 0}, [3]int{3, 3, 3})
	f.Set(1, 1, 1, float32(math.NaN()))

	_, err := NewDualContouringMesher(0).Mesh(f, Bounds{Max: [3]int{2, 2, 2}}, ContourOptions{})
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestQEFSolvesPlaneIntersection(t *testing.T) {
	var q QEF
	q.Add(mgl64.Vec3{0.3, 0.5, 0.5}, mgl64.Vec3{1, 0, 0})
	q.Add(mgl64.Vec3{0.5, 0.6, 0.5}, mgl64.Vec3{0, 1, 0})
	q.Add(mgl64.Vec3{0.5, 0.5, 0.2}, mgl64.Vec3{0, 0, 1})

	x := q.Solve(1e-6)
	assert.InDelta(t, 0.3, x[0], 1e-4)
	assert.InDelta(t, 0.6, x[1], 1e-4)
	assert.InDelta(t, 0.2, x[2], 1e-4)
	assert.InDelta(t, 0.0, q.Error(x), 1e-6)
}

func TestQEFDegenerateFallsBackToMassPoint(t *testing.T) {
	var q QEF
	q.Add(mgl64.Vec3{0.2, 0.4, 0.6}, mgl64.Vec3{})
	q.Add(mgl64.Vec3{0.4, 0.6, 0.8}, mgl64.Vec3{})
	assert.Equal(t, q.MassPoint(), q.Solve(0))
}

func TestBuildSmoothTerrainMeetsBlocksFlush(t *testing.T) {
	g := NewGrid(4, 6, 4, 1, 1)
	g.Fill([3]int{-2, 0, -2}, [3]int{5, 2, 5}, voxel.Stone)
	g.Set(1, 2, 1, voxel.Wood)

	b, err := Build(g, Options{SmoothTerrain: true})
	require.NoError(t, err)
	require.NotNil(t, b.Terrain)
	assert.False(t, b.Degraded)
	assert.Equal(t, 10, b.Blocky.TriangleCount(), "Нижняя грань блока на рельефе скрыта")

	const eps = 1e-4
	for _, v := range b.Terrain.Vertices {
		p := v.Position
		inside := p.X() > 1+eps && p.X() < 2-eps && p.Y() > 2+eps && p.Y() < 3-eps && p.Z() > 1+eps && p.Z() < 2-eps
		assert.False(t, inside, "Вершина рельефа %v внутри блока", p)
	}
	for _, v := range b.Blocky.Vertices {
		assert.Equal(t, voxel.Wood, v.Material)
	}
}

func TestBuildFallsBackToNaiveMesh(t *testing.T) {
	g := NewGrid(2, 2, 2, 1, 1)
	g.Set(0, 0, 0, voxel.Dirt)

	broken := func(g *Grid) *DensityField {
		f := BuildDensity(g, TerrainOnly)
		f.Values[0] = float32(math.Inf(1))
		return f
	}
	b, err := buildWith(g, Options{SmoothTerrain: true}, broken)
	assert.ErrorIs(t, err, ErrMalformedField)
	require.NotNil(t, b)
	assert.True(t, b.Degraded, "Меш должен быть помечен как деградированный")
	assert.Equal(t, 10, b.Terrain.TriangleCount(), "Запасной меш строится наивно")
}

func TestBuildWithoutSmoothTerrain(t *testing.T) {
	g := NewGrid(2, 2, 2, 1, 1)
	g.Set(0, 0, 0, voxel.Dirt)
	b, err := Build(g, Options{})
	require.NoError(t, err)
	assert.Nil(t, b.Terrain)
	assert.Equal(t, 10, b.Blocky.TriangleCount())
	assert.Equal(t, b.Blocky.Bytes(), b.Bytes())
}
