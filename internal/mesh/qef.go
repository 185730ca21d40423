package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// QEF накапливает плоскости (точка пересечения, нормаль) и ищет точку,
// минимизирующую сумму квадратов расстояний до них
type QEF struct {
	ata   mgl64.Mat3
	atb   mgl64.Vec3
	btb   float64
	mass  mgl64.Vec3
	count int
}

// Add добавляет плоскость. Нулевая нормаль учитывается только в центре масс.
func (q *QEF) Add(p, n mgl64.Vec3) {
	q.mass = q.mass.Add(p)
	q.count++
	if n.Len() < 1e-12 {
		return
	}
	n = n.Normalize()
	d := n.Dot(p)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			q.ata.Set(r, c, q.ata.At(r, c)+n[r]*n[c])
		}
	}
	q.atb = q.atb.Add(n.Mul(d))
	q.btb += d * d
}

// MassPoint возвращает среднее точек пересечения
func (q *QEF) MassPoint() mgl64.Vec3 {
	if q.count == 0 {
		return mgl64.Vec3{}
	}
	return q.mass.Mul(1 / float64(q.count))
}

// Solve решает регуляризованные нормальные уравнения вокруг центра масс:
// (AᵀA + λI)·x = Aᵀb − AᵀA·m, результат m + x.
// При вырожденной системе возвращает центр масс.
func (q *QEF) Solve(lambda float64) mgl64.Vec3 {
	m := q.MassPoint()
	lhs := q.ata.Add(mgl64.Ident3().Mul(lambda))
	if math.Abs(lhs.Det()) < 1e-12 {
		return m
	}
	rhs := q.atb.Sub(q.ata.Mul3x1(m))
	x := lhs.Inv().Mul3x1(rhs)
	for i := 0; i < 3; i++ {
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) {
			return m
		}
	}
	return m.Add(x)
}

// Error возвращает сумму квадратов расстояний точки до плоскостей
func (q *QEF) Error(x mgl64.Vec3) float64 {
	return x.Dot(q.ata.Mul3x1(x)) - 2*x.Dot(q.atb) + q.btb
}
