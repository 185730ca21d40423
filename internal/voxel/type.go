// Package voxel описывает закрытый набор типов вокселей и их свойства.
package voxel

import (
	"errors"
	"fmt"
)

// Type задает тип вокселя и хранится одним байтом. Нулевое значение соответствует Air.
type Type uint8

const (
	Air Type = iota
	Dirt
	Stone
	Wood
	Metal
	Grass
	Sand
)

// Count равен количеству вариантов Type
const Count = 7

// ErrUnknownType возвращается при декодировании байта вне набора
var ErrUnknownType = errors.New("неизвестный тип вокселя")

// SurfaceClass определяет, каким мешером строится поверхность вокселя
type SurfaceClass uint8

const (
	// SurfaceNone означает, что воксель не дает поверхности
	SurfaceNone SurfaceClass = iota
	// SurfaceBlocky обозначает постройки с greedy-мешем
	SurfaceBlocky
	// SurfaceTerrain обозначает гладкий рельеф (dual contouring)
	SurfaceTerrain
)

// All возвращает все варианты в порядке объявления
func All() []Type {
	return []Type{Air, Dirt, Stone, Wood, Metal, Grass, Sand}
}

// Parse проверяет байт и возвращает тип
func Parse(b byte) (Type, error) {
	t := Type(b)
	if !t.Valid() {
		return Air, fmt.Errorf("%w: %d", ErrUnknownType, b)
	}
	return t, nil
}

// Valid сообщает, что значение входит в набор
func (t Type) Valid() bool {
	switch t {
	case Air, Dirt, Stone, Wood, Metal, Grass, Sand:
		return true
	default:
		return false
	}
}

// String возвращает имя типа
func (t Type) String() string {
	switch t {
	case Air:
		return "Air"
	case Dirt:
		return "Dirt"
	case Stone:
		return "Stone"
	case Wood:
		return "Wood"
	case Metal:
		return "Metal"
	case Grass:
		return "Grass"
	case Sand:
		return "Sand"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Hardness возвращает твердость (Air = 0)
func (t Type) Hardness() float64 {
	switch t {
	case Air:
		return 0
	case Dirt:
		return 1
	case Stone:
		return 5
	case Wood:
		return 2
	case Metal:
		return 10
	case Grass:
		return 1
	case Sand:
		return 0.5
	default:
		return 0
	}
}

// IsSolid сообщает, занимает ли воксель объем
func (t Type) IsSolid() bool {
	switch t {
	case Air:
		return false
	case Dirt, Stone, Wood, Metal, Grass, Sand:
		return true
	default:
		return false
	}
}

// Surface возвращает класс поверхности
func (t Type) Surface() SurfaceClass {
	switch t {
	case Air:
		return SurfaceNone
	case Wood, Metal:
		return SurfaceBlocky
	case Dirt, Stone, Grass, Sand:
		return SurfaceTerrain
	default:
		return SurfaceNone
	}
}

// IsBlocky сообщает, что воксель относится к постройкам (Wood, Metal)
func (t Type) IsBlocky() bool {
	return t.Surface() == SurfaceBlocky
}

// IsTerrain сообщает, что воксель относится к гладкому рельефу (Dirt, Stone, Grass, Sand)
func (t Type) IsTerrain() bool {
	return t.Surface() == SurfaceTerrain
}

// Drop возвращает тип, выпадающий при разрушении. Трава дает землю.
func (t Type) Drop() (Type, bool) {
	switch t {
	case Air:
		return Air, false
	case Grass:
		return Dirt, true
	case Dirt, Stone, Wood, Metal, Sand:
		return t, true
	default:
		return Air, false
	}
}

// FromDensity выбирает тип по плотности и высоте (в метрах) для процедурного рельефа
func FromDensity(density, height float64) Type {
	switch {
	case density <= 0:
		return Air
	case height < 0.5:
		return Stone
	case height < 1.5:
		return Dirt
	case height < 1.6:
		return Grass
	default:
		return Dirt
	}
}
