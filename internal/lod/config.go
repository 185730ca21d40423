package lod

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidThresholds возвращается для неупорядоченных или неположительных порогов
var ErrInvalidThresholds = errors.New("пороги LOD должны строго возрастать")

// Config содержит параметры выбора уровня детализации и резидентности чанков
type Config struct {
	// Thresholds задает границы дистанции в метрах: уровень t выбирается при d < Thresholds[t]
	Thresholds []float64
	// Hysteresis задает запас в метрах против дрожания уровня на границе
	Hysteresis float64
	// UpdateInterval задает период пересчета уровней одного мира
	UpdateInterval time.Duration
	// Use3D включает полную дистанцию вместо планарной (XZ)
	Use3D bool

	// ViewRadius задает радиус (в чанках) вокруг зрителя, в котором чанки создаются
	ViewRadius int
	// Чанки дальше UnloadRadius от всех зрителей выгружаются.
	// Должен быть не меньше MinUnloadRadius, иначе грубые уровни недостижимы.
	UnloadRadius int
	// MaxLoadsPerUpdate ограничивает число новых чанков за один пересчет
	MaxLoadsPerUpdate int
}

// DefaultConfig возвращает параметры по умолчанию: 100/200/400/800 м.
// Радиус выгрузки 256 чанков (819 м при 3.2 м на чанк) покрывает последний порог с гистерезисом.
func DefaultConfig() Config {
	return Config{
		Thresholds:        []float64{100, 200, 400, 800},
		Hysteresis:        10,
		UpdateInterval:    500 * time.Millisecond,
		ViewRadius:        8,
		UnloadRadius:      256,
		MaxLoadsPerUpdate: 16,
	}
}

// MinUnloadRadius возвращает наименьший радиус выгрузки в чанках, при котором
// чанк доходит до самого грубого уровня раньше, чем выгружается
func (c Config) MinUnloadRadius(chunkMeters float64) int {
	if len(c.Thresholds) == 0 || chunkMeters <= 0 {
		return 0
	}
	reach := c.Thresholds[len(c.Thresholds)-1] + c.Hysteresis
	return int(math.Ceil(reach/chunkMeters)) + 1
}

// Validate проверяет согласованность параметров
func (c Config) Validate() error {
	if len(c.Thresholds) == 0 {
		return fmt.Errorf("%w: пустой список", ErrInvalidThresholds)
	}
	prev := 0.0
	for i, th := range c.Thresholds {
		if th <= prev {
			return fmt.Errorf("%w: порог %d = %.1f", ErrInvalidThresholds, i, th)
		}
		prev = th
	}
	if c.Hysteresis < 0 {
		return fmt.Errorf("гистерезис не может быть отрицательным: %.1f", c.Hysteresis)
	}
	if c.UpdateInterval < 0 {
		return fmt.Errorf("интервал обновления не может быть отрицательным: %s", c.UpdateInterval)
	}
	if c.ViewRadius < 0 || c.UnloadRadius < c.ViewRadius {
		return fmt.Errorf("радиус выгрузки %d должен быть не меньше радиуса видимости %d", c.UnloadRadius, c.ViewRadius)
	}
	return nil
}
