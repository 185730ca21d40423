package voxel

import "math"

// ToolType задает инструмент, которым разрушают воксели
type ToolType uint8

const (
	Hands ToolType = iota
	Pickaxe
	Axe
	Shovel
)

// NoBreak обозначает время разрушения вокселя, который нельзя разрушить инструментом
const NoBreak = 999.0

// String возвращает имя инструмента
func (tt ToolType) String() string {
	switch tt {
	case Hands:
		return "Hands"
	case Pickaxe:
		return "Pickaxe"
	case Axe:
		return "Axe"
	case Shovel:
		return "Shovel"
	default:
		return "UnknownTool"
	}
}

// Speed возвращает базовую скорость инструмента
func (tt ToolType) Speed() float64 {
	switch tt {
	case Hands:
		return 0.5
	case Pickaxe, Axe, Shovel:
		return 1.0
	default:
		return 0
	}
}

// Effectiveness возвращает множитель инструмента против типа вокселя
func (tt ToolType) Effectiveness(t Type) float64 {
	if t == Air {
		return 1.0
	}
	switch tt {
	case Pickaxe:
		if t == Stone || t == Metal {
			return 1.5
		}
	case Axe:
		if t == Wood {
			return 1.5
		}
	case Shovel:
		if t == Dirt || t == Grass || t == Sand {
			return 1.5
		}
	case Hands:
		return 0.3
	}
	return 0.3
}

// BreakTime возвращает время разрушения в секундах
func BreakTime(t Type, tool ToolType) float64 {
	k := tool.Effectiveness(t) * tool.Speed()
	if k == 0 {
		return NoBreak
	}
	bt := t.Hardness() / k
	if math.IsInf(bt, 0) || math.IsNaN(bt) {
		return NoBreak
	}
	return bt
}
