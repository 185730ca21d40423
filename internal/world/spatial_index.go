package world

import (
	"math"
	"sort"
	"sync"

	"github.com/annel0/voxel-engine/internal/vec"
)

// SpatialIndex представляет пространственный индекс для быстрого поиска сущностей.
// Для каждого мира ведется своя равномерная трехмерная сетка.
type SpatialIndex struct {
	cellSize float64
	mu       sync.RWMutex
	worlds   map[WorldID]*spatialWorld
	owners   map[EntityID]WorldID
}

// cellKey представляет ключ ячейки в пространственной сетке
type cellKey struct {
	x, y, z int
}

// spatialWorld хранит сетку одного мира
type spatialWorld struct {
	cells    map[cellKey]map[EntityID]struct{}
	entities map[EntityID]indexedEntity
}

// indexedEntity представляет индексированную сущность
type indexedEntity struct {
	pos  vec.Vec3Float
	cell cellKey
}

// NewSpatialIndex создаёт новый пространственный индекс
func NewSpatialIndex(cellSize float64) *SpatialIndex {
	if cellSize <= 0 {
		cellSize = DefaultDimensions().ChunkMeters()
	}

	return &SpatialIndex{
		cellSize: cellSize,
		worlds:   make(map[WorldID]*spatialWorld),
		owners:   make(map[EntityID]WorldID),
	}
}

// CellSize возвращает размер ячейки в метрах
func (si *SpatialIndex) CellSize() float64 {
	return si.cellSize
}

// maxCellCoord ограничивает номер ячейки по каждой оси
const maxCellCoord = 1 << 30

func (si *SpatialIndex) cellCoord(v float64) int {
	f := math.Floor(v / si.cellSize)
	switch {
	case f < -maxCellCoord:
		return -maxCellCoord
	case f > maxCellCoord:
		return maxCellCoord
	}
	return int(f)
}

func (si *SpatialIndex) keyFor(p vec.Vec3Float) cellKey {
	return cellKey{
		x: si.cellCoord(p.X),
		y: si.cellCoord(p.Y),
		z: si.cellCoord(p.Z),
	}
}

// Insert добавляет сущность в индекс или перемещает ее, в том числе между мирами
func (si *SpatialIndex) Insert(id EntityID, pos vec.Vec3Float, worldID WorldID) {
	si.mu.Lock()
	defer si.mu.Unlock()

	if prev, ok := si.owners[id]; ok && prev != worldID {
		si.removeLocked(id)
	}

	sw, ok := si.worlds[worldID]
	if !ok {
		sw = &spatialWorld{
			cells:    make(map[cellKey]map[EntityID]struct{}),
			entities: make(map[EntityID]indexedEntity),
		}
		si.worlds[worldID] = sw
	}

	key := si.keyFor(pos)
	if old, ok := sw.entities[id]; ok && old.cell != key {
		sw.removeFromCell(id, old.cell)
	}

	cell, ok := sw.cells[key]
	if !ok {
		cell = make(map[EntityID]struct{})
		sw.cells[key] = cell
	}
	cell[id] = struct{}{}
	sw.entities[id] = indexedEntity{pos: pos, cell: key}
	si.owners[id] = worldID
}

// Update обновляет позицию сущности в индексе
func (si *SpatialIndex) Update(id EntityID, pos vec.Vec3Float, worldID WorldID) {
	si.Insert(id, pos, worldID)
}

// Remove удаляет сущность из индекса
func (si *SpatialIndex) Remove(id EntityID) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.removeLocked(id)
}

func (si *SpatialIndex) removeLocked(id EntityID) bool {
	worldID, ok := si.owners[id]
	if !ok {
		return false
	}
	delete(si.owners, id)

	sw := si.worlds[worldID]
	if sw == nil {
		return true
	}
	if e, ok := sw.entities[id]; ok {
		sw.removeFromCell(id, e.cell)
		delete(sw.entities, id)
	}
	if len(sw.entities) == 0 {
		delete(si.worlds, worldID)
	}
	return true
}

func (sw *spatialWorld) removeFromCell(id EntityID, key cellKey) {
	if cell, ok := sw.cells[key]; ok {
		delete(cell, id)
		if len(cell) == 0 {
			delete(sw.cells, key)
		}
	}
}

// QueryRadius возвращает сущности из всех ячеек, пересекающих куб вокруг сферы запроса.
// Это широкая фаза: результат может содержать сущности чуть дальше radius.
func (si *SpatialIndex) QueryRadius(center vec.Vec3Float, radius float64, worldID WorldID) []EntityID {
	si.mu.RLock()
	defer si.mu.RUnlock()

	sw, ok := si.worlds[worldID]
	if !ok || radius < 0 || math.IsNaN(radius) {
		return nil
	}

	lo := si.keyFor(center.Sub(vec.Vec3Float{X: radius, Y: radius, Z: radius}))
	hi := si.keyFor(center.Add(vec.Vec3Float{X: radius, Y: radius, Z: radius}))

	result := make([]EntityID, 0)
	visit := func(cell map[EntityID]struct{}) {
		for id := range cell {
			result = append(result, id)
		}
	}

	// Объем считается в float64: для больших радиусов произведение в int переполняется
	span := float64(hi.x-lo.x+1) * float64(hi.y-lo.y+1) * float64(hi.z-lo.z+1)
	if span > float64(len(sw.cells)) {
		// Запрос шире занятых ячеек: дешевле пройти по ним
		for key, cell := range sw.cells {
			if key.x >= lo.x && key.x <= hi.x && key.y >= lo.y && key.y <= hi.y && key.z >= lo.z && key.z <= hi.z {
				visit(cell)
			}
		}
	} else {
		for x := lo.x; x <= hi.x; x++ {
			for y := lo.y; y <= hi.y; y++ {
				for z := lo.z; z <= hi.z; z++ {
					if cell, ok := sw.cells[cellKey{x, y, z}]; ok {
						visit(cell)
					}
				}
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Position возвращает последнюю известную позицию сущности
func (si *SpatialIndex) Position(id EntityID) (vec.Vec3Float, WorldID, bool) {
	si.mu.RLock()
	defer si.mu.RUnlock()
	worldID, ok := si.owners[id]
	if !ok {
		return vec.Vec3Float{}, WorldID{}, false
	}
	return si.worlds[worldID].entities[id].pos, worldID, true
}

// ClearWorld удаляет все сущности мира (при выгрузке)
func (si *SpatialIndex) ClearWorld(worldID WorldID) int {
	si.mu.Lock()
	defer si.mu.Unlock()

	sw, ok := si.worlds[worldID]
	if !ok {
		return 0
	}
	for id := range sw.entities {
		delete(si.owners, id)
	}
	delete(si.worlds, worldID)
	return len(sw.entities)
}

// GetEntityCount возвращает количество индексированных сущностей
func (si *SpatialIndex) GetEntityCount() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.owners)
}

// GetStats возвращает статистику индекса
func (si *SpatialIndex) GetStats() map[string]interface{} {
	si.mu.RLock()
	defer si.mu.RUnlock()

	cells := 0
	for _, sw := range si.worlds {
		cells += len(sw.cells)
	}
	avg := 0.0
	if cells > 0 {
		avg = float64(len(si.owners)) / float64(cells)
	}
	return map[string]interface{}{
		"cell_size":           si.cellSize,
		"worlds":              len(si.worlds),
		"cells":               cells,
		"entities":            len(si.owners),
		"avg_entity_per_cell": avg,
	}
}
