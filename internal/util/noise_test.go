package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoiseDeterministic(t *testing.T) {
	a := NewNoise(7)
	b := NewNoise(7)
	c := NewNoise(8)

	same := true
	for i := 0; i < 20; i++ {
		x, y := float64(i)*0.37, float64(i)*0.11
		assert.Equal(t, a.Signed2D(x, y), b.Signed2D(x, y), "Одинаковый сид дает одинаковый шум")
		v := a.Noise2D(x, y)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		if a.Signed2D(x, y) != c.Signed2D(x, y) {
			same = false
		}
	}
	assert.False(t, same, "Разные сиды должны давать разный шум")
	assert.Equal(t, int64(7), a.Seed())
}
