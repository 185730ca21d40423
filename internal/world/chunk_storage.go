package world

import "github.com/annel0/voxel-engine/internal/voxel"

// StorageKind задает способ хранения ячеек чанка
type StorageKind uint8

const (
	StorageDense StorageKind = iota
	StorageSparse
)

// String возвращает имя способа хранения
func (k StorageKind) String() string {
	switch k {
	case StorageDense:
		return "dense"
	case StorageSparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// sparseEntryBytes оценивает память на одну запись разреженного хранилища
const sparseEntryBytes = 16

// sparseBaseBytes оценивает накладные расходы пустой map
const sparseBaseBytes = 64

// cellStore описывает общий контракт плотного и разреженного хранилища
type cellStore interface {
	get(i int) voxel.Type
	set(i int, t voxel.Type)
	size() int
	// deviating возвращает число ячеек, отличных от самого частого значения
	deviating() int
	bytes() int64
	kind() StorageKind
}

// denseStore хранит плоский массив ячеек со счетчиком типов
type denseStore struct {
	cells  []voxel.Type
	counts [voxel.Count]int
}

func newDenseStore(cells []voxel.Type) *denseStore {
	s := &denseStore{cells: cells}
	for _, c := range cells {
		s.counts[c]++
	}
	return s
}

func (s *denseStore) get(i int) voxel.Type { return s.cells[i] }

func (s *denseStore) set(i int, t voxel.Type) {
	s.counts[s.cells[i]]--
	s.counts[t]++
	s.cells[i] = t
}

func (s *denseStore) size() int { return len(s.cells) }

func (s *denseStore) mode() voxel.Type {
	best := voxel.Air
	for t, n := range s.counts {
		if n > s.counts[best] {
			best = voxel.Type(t)
		}
	}
	return best
}

func (s *denseStore) deviating() int { return len(s.cells) - s.counts[s.mode()] }

func (s *denseStore) bytes() int64 { return int64(len(s.cells)) }

func (s *denseStore) kind() StorageKind { return StorageDense }

func (s *denseStore) toSparse() *sparseStore {
	def := s.mode()
	sp := &sparseStore{n: len(s.cells), def: def, cells: make(map[int32]voxel.Type, s.deviating())}
	for i, c := range s.cells {
		if c != def {
			sp.cells[int32(i)] = c
		}
	}
	return sp
}

// sparseStore хранит только значения, отличные от объявленного значения по умолчанию
type sparseStore struct {
	n     int
	def   voxel.Type
	cells map[int32]voxel.Type
}

func (s *sparseStore) get(i int) voxel.Type {
	if t, ok := s.cells[int32(i)]; ok {
		return t
	}
	return s.def
}

func (s *sparseStore) set(i int, t voxel.Type) {
	if t == s.def {
		delete(s.cells, int32(i))
		return
	}
	s.cells[int32(i)] = t
}

func (s *sparseStore) size() int { return s.n }

func (s *sparseStore) deviating() int { return len(s.cells) }

func (s *sparseStore) bytes() int64 {
	return sparseBaseBytes + int64(len(s.cells))*sparseEntryBytes
}

func (s *sparseStore) kind() StorageKind { return StorageSparse }

// setDelta оценивает изменение памяти после записи t в ячейку i
func (s *sparseStore) setDelta(i int, t voxel.Type) int64 {
	_, had := s.cells[int32(i)]
	has := t != s.def
	switch {
	case has && !had:
		return sparseEntryBytes
	case !has && had:
		return -sparseEntryBytes
	default:
		return 0
	}
}

func (s *sparseStore) toDense() *denseStore {
	cells := make([]voxel.Type, s.n)
	if s.def != voxel.Air {
		for i := range cells {
			cells[i] = s.def
		}
	}
	for i, t := range s.cells {
		cells[i] = t
	}
	return newDenseStore(cells)
}
