package util

import (
	"github.com/aquilax/go-perlin"
)

// Параметры шума Перлина по умолчанию
const (
	DefaultAlpha   = 2.0 // Сглаживание шума
	DefaultBeta    = 2.0 // Частота шума
	DefaultOctaves = 3   // Количество октав
)

// Noise генерирует шум Перлина с собственным сидом.
// Каждый мир держит свой экземпляр, чтобы генерация не зависела от порядка загрузки.
type Noise struct {
	seed int64
	p    *perlin.Perlin
}

// NewNoise создает генератор шума с указанным сидом
func NewNoise(seed int64) *Noise {
	return &Noise{
		seed: seed,
		p:    perlin.NewPerlin(DefaultAlpha, DefaultBeta, DefaultOctaves, seed),
	}
}

// Seed возвращает сид генератора
func (n *Noise) Seed() int64 {
	return n.seed
}

// Signed2D возвращает шум в диапазоне примерно от -1 до 1
func (n *Noise) Signed2D(x, y float64) float64 {
	return n.p.Noise2D(x, y)
}

// Noise2D возвращает шум, приведенный к диапазону от 0 до 1
func (n *Noise) Noise2D(x, y float64) float64 {
	v := (n.p.Noise2D(x, y) + 1.0) / 2.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
