package mesh

import (
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// DefaultRegularization задает вес притяжения вершины к центру масс в QEF
const DefaultRegularization = 0.01

// cellEdges перечисляет 12 ребер ячейки; угол i имеет смещение (i&1, i>>1&1, i>>2&1)
var cellEdges = [12][2]int{
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

func cornerOffset(i int) mgl64.Vec3 {
	return mgl64.Vec3{float64(i & 1), float64(i >> 1 & 1), float64(i >> 2 & 1)}
}

// Bounds задает полуоткрытый диапазон решеточных координат [Min, Max)
type Bounds struct {
	Min, Max [3]int
}

// ContourOptions задает масштаб решетки в метрах и выбор материала вершины
type ContourOptions struct {
	Scale    mgl32.Vec3
	Material func(cell [3]int) voxel.Type
}

// DualContouringMesher строит гладкую поверхность по полю плотности.
// Чанк владеет ребрами, у которых начало и поперечные координаты лежат в own;
// ячейки на границе считаются по одинаковым отсчетам у обоих соседей,
// поэтому вершины шва совпадают.
type DualContouringMesher struct {
	Regularization float64
}

// NewDualContouringMesher создает мешер; lambda <= 0 дает значение по умолчанию
func NewDualContouringMesher(lambda float64) *DualContouringMesher {
	if lambda <= 0 {
		lambda = DefaultRegularization
	}
	return &DualContouringMesher{Regularization: lambda}
}

type contourState struct {
	f        *DensityField
	opts     ContourOptions
	lambda   float64
	out      *TerrainMesh
	vertices map[[3]int]uint32
}

// Mesh строит меш рельефа. Возвращает ErrMalformedField для поля с NaN или бесконечностями.
func (dc *DualContouringMesher) Mesh(f *DensityField, own Bounds, opts ContourOptions) (*TerrainMesh, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if opts.Scale == (mgl32.Vec3{}) {
		opts.Scale = mgl32.Vec3{1, 1, 1}
	}

	st := &contourState{
		f:        f,
		opts:     opts,
		lambda:   dc.Regularization,
		out:      &TerrainMesh{},
		vertices: make(map[[3]int]uint32),
	}

	var cellMax [3]int
	for i := 0; i < 3; i++ {
		cellMax[i] = f.Origin[i] + f.Dims[i] - 1
	}

	for a := 0; a < 3; a++ {
		b, c := (a+1)%3, (a+2)%3
		var lo, hi [3]int
		lo[a] = max(own.Min[a], f.Origin[a])
		hi[a] = min(own.Max[a], cellMax[a])
		for _, k := range [2]int{b, c} {
			lo[k] = max(own.Min[k], f.Origin[k]+1)
			hi[k] = min(own.Max[k], cellMax[k])
		}

		for z := lo[2]; z < hi[2]; z++ {
			for y := lo[1]; y < hi[1]; y++ {
				for x := lo[0]; x < hi[0]; x++ {
					p := [3]int{x, y, z}
					q := p
					q[a]++
					v0 := f.At(p[0], p[1], p[2])
					v1 := f.At(q[0], q[1], q[2])
					if (v0 > 0) == (v1 > 0) {
						continue
					}
					st.emitQuad(p, b, c, v0 > 0)
				}
			}
		}
	}

	st.out.ActiveCells = len(st.vertices)
	return st.out, nil
}

// emitQuad соединяет четыре ячейки вокруг ребра
func (st *contourState) emitQuad(p [3]int, b, c int, solidAtStart bool) {
	offsets := [4][2]int{{-1, -1}, {0, -1}, {0, 0}, {-1, 0}}
	var idx [4]uint32
	for i, o := range offsets {
		cell := p
		cell[b] += o[0]
		cell[c] += o[1]
		v, ok := st.vertex(cell)
		if !ok {
			return
		}
		idx[i] = v
	}
	if !solidAtStart {
		idx[1], idx[3] = idx[3], idx[1]
	}
	st.addTriangle(idx[0], idx[1], idx[2])
	st.addTriangle(idx[0], idx[2], idx[3])
}

func (st *contourState) addTriangle(i0, i1, i2 uint32) {
	if i0 == i1 || i1 == i2 || i0 == i2 {
		return
	}
	vs := st.out.Vertices
	e1 := vs[i1].Position.Sub(vs[i0].Position)
	e2 := vs[i2].Position.Sub(vs[i0].Position)
	if e1.Cross(e2).Len() < 1e-9 {
		return
	}
	st.out.Indices = append(st.out.Indices, i0, i1, i2)
}

// vertex возвращает (и при первом обращении вычисляет) вершину ячейки
func (st *contourState) vertex(cell [3]int) (uint32, bool) {
	if v, ok := st.vertices[cell]; ok {
		return v, true
	}

	var corners [8]float64
	inside := 0
	for i := 0; i < 8; i++ {
		corners[i] = float64(st.f.At(cell[0]+(i&1), cell[1]+(i>>1&1), cell[2]+(i>>2&1)))
		if corners[i] > 0 {
			inside++
		}
	}
	if inside == 0 || inside == 8 {
		return 0, false
	}

	var qef QEF
	var gradSum mgl64.Vec3
	for _, e := range cellEdges {
		c0, c1 := corners[e[0]], corners[e[1]]
		if (c0 > 0) == (c1 > 0) {
			continue
		}
		t := c0 / (c0 - c1)
		p0, p1 := cornerOffset(e[0]), cornerOffset(e[1])
		pt := p0.Add(p1.Sub(p0).Mul(t))
		g := trilinearGradient(&corners, pt)
		qef.Add(pt, g)
		gradSum = gradSum.Add(g)
	}

	local := qef.Solve(st.lambda)
	for i := 0; i < 3; i++ {
		local[i] = mgl64.Clamp(local[i], 0, 1)
	}

	s := st.opts.Scale
	pos := mgl32.Vec3{
		float32(float64(cell[0])+local[0]) * s[0],
		float32(float64(cell[1])+local[1]) * s[1],
		float32(float64(cell[2])+local[2]) * s[2],
	}

	// Нормаль направлена из тела наружу, то есть против градиента плотности
	n := mgl32.Vec3{
		float32(-gradSum[0]) / s[0],
		float32(-gradSum[1]) / s[1],
		float32(-gradSum[2]) / s[2],
	}
	if n.Len() < 1e-9 {
		n = mgl32.Vec3{0, 1, 0}
	} else {
		n = n.Normalize()
	}

	material := voxel.Dirt
	if st.opts.Material != nil {
		material = st.opts.Material(cell)
	}

	idx := uint32(len(st.out.Vertices))
	st.out.Vertices = append(st.out.Vertices, Vertex{Position: pos, Normal: n, Material: material})
	st.vertices[cell] = idx
	return idx, true
}

// trilinearGradient вычисляет аналитический градиент трилинейной интерполяции углов в локальной точке
func trilinearGradient(c *[8]float64, p mgl64.Vec3) mgl64.Vec3 {
	var g mgl64.Vec3
	for i := 0; i < 8; i++ {
		bx, by, bz := i&1, i>>1&1, i>>2&1
		wx := lerpWeight(bx, p[0])
		wy := lerpWeight(by, p[1])
		wz := lerpWeight(bz, p[2])
		g[0] += c[i] * signWeight(bx) * wy * wz
		g[1] += c[i] * wx * signWeight(by) * wz
		g[2] += c[i] * wx * wy * signWeight(bz)
	}
	return g
}

func lerpWeight(bit int, t float64) float64 {
	if bit == 1 {
		return t
	}
	return 1 - t
}

func signWeight(bit int) float64 {
	if bit == 1 {
		return 1
	}
	return -1
}
