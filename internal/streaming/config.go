package streaming

import (
	"fmt"

	"github.com/annel0/voxel-engine/internal/world"
)

const (
	// GiB равен гибибайту
	GiB int64 = 1 << 30
	// MiB равен мебибайту
	MiB int64 = 1 << 20
)

// Config содержит параметры менеджера стриминга миров
type Config struct {
	// Budget задает жесткий предел суммарной памяти резидентных миров
	Budget int64
	// MaxConcurrentLoads ограничивает число одновременных загрузок в пуле
	MaxConcurrentLoads int
	// Estimates задает оценку размера мира по виду, если она не задана для конкретного мира
	Estimates map[world.Kind]int64

	Dimensions      world.Dimensions
	SparseThreshold float64
	OverworldSeed   int64
}

// DefaultConfig возвращает параметры по умолчанию (бюджет 4 ГиБ)
func DefaultConfig() Config {
	return Config{
		Budget:             4 * GiB,
		MaxConcurrentLoads: 2,
		Estimates: map[world.Kind]int64{
			world.KindMission:   512 * MiB,
			world.KindBase:      256 * MiB,
			world.KindOverworld: 1 * GiB,
		},
		Dimensions:      world.DefaultDimensions(),
		SparseThreshold: 0.05,
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.Budget <= 0 {
		return fmt.Errorf("бюджет памяти должен быть положительным: %d", c.Budget)
	}
	if c.MaxConcurrentLoads <= 0 {
		return fmt.Errorf("число одновременных загрузок должно быть положительным: %d", c.MaxConcurrentLoads)
	}
	for kind, est := range c.Estimates {
		if est < 0 {
			return fmt.Errorf("отрицательная оценка размера для %s", kind)
		}
	}
	if c.SparseThreshold < 0 || c.SparseThreshold >= 0.5 {
		return fmt.Errorf("порог разреженности %.3f вне диапазона [0, 0.5)", c.SparseThreshold)
	}
	return c.Dimensions.Validate()
}
