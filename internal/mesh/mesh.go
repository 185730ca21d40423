// Package mesh строит поверхности чанков: greedy-меш для построек и
// dual contouring для гладкого рельефа.
package mesh

import (
	"encoding/binary"
	"math"

	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"
)

// VertexBytes задает оценку размера вершины в памяти (позиция, нормаль, материал с выравниванием)
const VertexBytes = 28

// Vertex описывает вершину меша в метрах относительно угла чанка
type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Material voxel.Type
}

// Mesh хранит упорядоченный список вершин и треугольников
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

// TriangleCount возвращает число треугольников
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// Bytes возвращает оценку занимаемой памяти
func (m *Mesh) Bytes() int64 {
	if m == nil {
		return 0
	}
	return int64(len(m.Vertices))*VertexBytes + int64(len(m.Indices))*4
}

// Digest возвращает xxhash содержимого меша. Одинаковые меши дают одинаковый digest.
func (m *Mesh) Digest() uint64 {
	h := xxhash.New()
	if m == nil {
		return h.Sum64()
	}
	var buf [4]byte
	putF := func(f float32) {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		h.Write(buf[:])
	}
	for _, v := range m.Vertices {
		for i := 0; i < 3; i++ {
			putF(v.Position[i])
		}
		for i := 0; i < 3; i++ {
			putF(v.Normal[i])
		}
		h.Write([]byte{byte(v.Material)})
	}
	for _, idx := range m.Indices {
		binary.LittleEndian.PutUint32(buf[:], idx)
		h.Write(buf[:])
	}
	return h.Sum64()
}

// addQuad добавляет четырехугольник двумя треугольниками (0,1,2) и (0,2,3)
func (m *Mesh) addQuad(corners [4]mgl32.Vec3, normal mgl32.Vec3, material voxel.Type) {
	base := uint32(len(m.Vertices))
	for _, c := range corners {
		m.Vertices = append(m.Vertices, Vertex{Position: c, Normal: normal, Material: material})
	}
	m.Indices = append(m.Indices, base, base+1, base+2, base, base+2, base+3)
}

// OptimizedMesh содержит результат greedy-мешера и статистику относительно наивного
type OptimizedMesh struct {
	Mesh
	NaiveTriangles   int
	ReductionPercent float64
}

// TerrainMesh содержит результат dual contouring
type TerrainMesh struct {
	Mesh
	ActiveCells int
}

// Bundle объединяет все меши чанка и заменяется целиком.
type Bundle struct {
	Blocky   *OptimizedMesh
	Terrain  *TerrainMesh
	Degraded bool
}

// Bytes возвращает суммарный размер мешей
func (b *Bundle) Bytes() int64 {
	if b == nil {
		return 0
	}
	var n int64
	if b.Blocky != nil {
		n += b.Blocky.Bytes()
	}
	if b.Terrain != nil {
		n += b.Terrain.Bytes()
	}
	return n
}

// TriangleCount возвращает суммарное число треугольников
func (b *Bundle) TriangleCount() int {
	if b == nil {
		return 0
	}
	n := 0
	if b.Blocky != nil {
		n += b.Blocky.TriangleCount()
	}
	if b.Terrain != nil {
		n += b.Terrain.TriangleCount()
	}
	return n
}

func reduction(naive, optimized int) float64 {
	if naive == 0 {
		return 0
	}
	return float64(naive-optimized) / float64(naive) * 100
}
