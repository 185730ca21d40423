package world

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
)

// Двоичный формат мира: секция чанков и секция состояния (сущности и журнал).
// Все числа little-endian; порядок записей детерминирован.

type sectionWriter struct {
	buf bytes.Buffer
	tmp [8]byte
}

func (sw *sectionWriter) u8(v uint8) { sw.buf.WriteByte(v) }

func (sw *sectionWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(sw.tmp[:2], v)
	sw.buf.Write(sw.tmp[:2])
}

func (sw *sectionWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(sw.tmp[:4], v)
	sw.buf.Write(sw.tmp[:4])
}

func (sw *sectionWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(sw.tmp[:], v)
	sw.buf.Write(sw.tmp[:])
}

func (sw *sectionWriter) i32(v int) { sw.u32(uint32(int32(v))) }

func (sw *sectionWriter) f64(v float64) { sw.u64(math.Float64bits(v)) }

// sectionReader читает секцию и запоминает первую ошибку
type sectionReader struct {
	data []byte
	off  int
	err  error
}

func (sr *sectionReader) need(n int) bool {
	if sr.err != nil {
		return false
	}
	if sr.off+n > len(sr.data) {
		sr.err = fmt.Errorf("%w: неожиданный конец данных на смещении %d", ErrCorruptData, sr.off)
		return false
	}
	return true
}

func (sr *sectionReader) u8() uint8 {
	if !sr.need(1) {
		return 0
	}
	v := sr.data[sr.off]
	sr.off++
	return v
}

func (sr *sectionReader) u16() uint16 {
	if !sr.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(sr.data[sr.off:])
	sr.off += 2
	return v
}

func (sr *sectionReader) u32() uint32 {
	if !sr.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(sr.data[sr.off:])
	sr.off += 4
	return v
}

func (sr *sectionReader) u64() uint64 {
	if !sr.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(sr.data[sr.off:])
	sr.off += 8
	return v
}

func (sr *sectionReader) i32() int { return int(int32(sr.u32())) }

// count читает число записей и проверяет, что они умещаются в остаток данных
// при минимальном размере записи entryBytes
func (sr *sectionReader) count(entryBytes int) int {
	n := int(sr.u32())
	if sr.err != nil {
		return 0
	}
	if rest := len(sr.data) - sr.off; n > rest/entryBytes {
		sr.fail("%d записей по %d байт не умещаются в %d байт", n, entryBytes, rest)
		return 0
	}
	return n
}

func (sr *sectionReader) f64() float64 { return math.Float64frombits(sr.u64()) }

func (sr *sectionReader) voxel() voxel.Type {
	b := sr.u8()
	if sr.err != nil {
		return voxel.Air
	}
	t, err := voxel.Parse(b)
	if err != nil {
		sr.err = fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return t
}

func (sr *sectionReader) fail(format string, args ...interface{}) {
	if sr.err == nil {
		sr.err = fmt.Errorf("%w: %s", ErrCorruptData, fmt.Sprintf(format, args...))
	}
}

// EncodeChunks сериализует размеры и все загруженные чанки мира
func (w *World) EncodeChunks() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var sw sectionWriter
	sw.u16(uint16(w.dims.Side))
	sw.u32(uint32(w.dims.BaseHeight))
	sw.u8(uint8(w.dims.Tiers))
	sw.f64(w.dims.VoxelSize)

	positions := sortedPositions(w.chunks)
	sw.u32(uint32(len(positions)))
	for _, pos := range positions {
		c := w.chunks[pos]
		sw.i32(pos.X)
		sw.i32(pos.Z)
		sw.u8(uint8(c.tier))
		sw.u8(uint8(c.store.kind()))
		switch s := c.store.(type) {
		case *denseStore:
			sw.u32(uint32(len(s.cells)))
			for _, t := range s.cells {
				sw.u8(uint8(t))
			}
		case *sparseStore:
			sw.u32(uint32(s.n))
			sw.u8(uint8(s.def))
			keys := make([]int32, 0, len(s.cells))
			for k := range s.cells {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			sw.u32(uint32(len(keys)))
			for _, k := range keys {
				sw.u32(uint32(k))
				sw.u8(uint8(s.cells[k]))
			}
		}
	}
	return sw.buf.Bytes()
}

// EncodeState сериализует временные метки, сущности и журнал изменений
func (w *World) EncodeState() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var sw sectionWriter
	sw.u64(uint64(w.createdAt.UnixNano()))
	sw.u64(uint64(w.lastAccess.Load()))

	// Игроки — присутствие, а не состояние мира, и не сохраняются
	ids := make([]EntityID, 0, len(w.entities))
	for id, e := range w.entities {
		if e.Kind != EntityPlayer {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sw.u32(uint32(len(ids)))
	for _, id := range ids {
		e := w.entities[id]
		sw.u64(uint64(e.ID))
		sw.u8(uint8(e.Kind))
		sw.f64(e.Position.X)
		sw.f64(e.Position.Y)
		sw.f64(e.Position.Z)
	}

	positions := make([]ChunkPos, 0, len(w.mods))
	for pos := range w.mods {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].X != positions[j].X {
			return positions[i].X < positions[j].X
		}
		return positions[i].Z < positions[j].Z
	})
	sw.u32(uint32(len(positions)))
	for _, pos := range positions {
		m := w.mods[pos]
		keys := make([]int32, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		sw.i32(pos.X)
		sw.i32(pos.Z)
		sw.u32(uint32(len(keys)))
		for _, k := range keys {
			sw.u32(uint32(k))
			sw.u8(uint8(m[k]))
		}
	}
	return sw.buf.Bytes()
}

// Restore собирает мир из секций EncodeChunks и EncodeState.
// Размеры берутся из секции чанков, opts.Dimensions игнорируется.
func Restore(id WorldID, opts Options, chunks, state []byte) (*World, error) {
	cr := &sectionReader{data: chunks}
	dims := Dimensions{
		Side:       int(cr.u16()),
		BaseHeight: int(cr.u32()),
		Tiers:      int(cr.u8()),
		VoxelSize:  cr.f64(),
	}
	if cr.err != nil {
		return nil, cr.err
	}
	if err := dims.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	opts.Dimensions = dims
	w := New(id, opts)

	// Заголовок чанка: позиция, уровень, хранилище, число ячеек
	count := cr.count(14)
	for i := 0; i < count && cr.err == nil; i++ {
		pos := ChunkPos{X: cr.i32(), Z: cr.i32()}
		tier := Tier(cr.u8())
		kind := StorageKind(cr.u8())
		n := int(cr.u32())
		if cr.err != nil {
			break
		}
		if tier > dims.Coarsest() || n != dims.Volume(tier) {
			cr.fail("чанк %s: уровень %d, %d ячеек", pos, tier, n)
			break
		}
		if _, dup := w.chunks[pos]; dup {
			cr.fail("повтор чанка %s", pos)
			break
		}

		c := &Chunk{Pos: pos, dims: dims, tier: tier, dirty: true, version: 1}
		switch kind {
		case StorageDense:
			if !cr.need(n) {
				break
			}
			cells := make([]voxel.Type, n)
			for j := range cells {
				cells[j] = cr.voxel()
			}
			c.store = newDenseStore(cells)
		case StorageSparse:
			sp := &sparseStore{n: n, def: cr.voxel(), cells: make(map[int32]voxel.Type)}
			k := cr.count(5)
			for j := 0; j < k && cr.err == nil; j++ {
				idx := cr.u32()
				t := cr.voxel()
				if int(idx) >= n {
					cr.fail("индекс %d вне чанка %s", idx, pos)
				}
				sp.cells[int32(idx)] = t
			}
			c.store = sp
		default:
			cr.fail("неизвестный способ хранения %d", kind)
		}
		if cr.err != nil {
			break
		}
		w.chunks[pos] = c
		w.memory.Add(c.Bytes())
	}
	if cr.err != nil {
		return nil, cr.err
	}

	sr := &sectionReader{data: state}
	w.createdAt = time.Unix(0, int64(sr.u64()))
	w.lastAccess.Store(int64(sr.u64()))

	entities := sr.count(33)
	for i := 0; i < entities && sr.err == nil; i++ {
		e := Entity{ID: EntityID(sr.u64()), Kind: EntityKind(sr.u8())}
		e.Position = vec.Vec3Float{X: sr.f64(), Y: sr.f64(), Z: sr.f64()}
		if sr.err == nil && e.Kind != EntityPlayer {
			copied := e
			w.entities[e.ID] = &copied
		}
	}

	modChunks := sr.count(12)
	fineVolume := dims.Volume(0)
	for i := 0; i < modChunks && sr.err == nil; i++ {
		pos := ChunkPos{X: sr.i32(), Z: sr.i32()}
		k := sr.count(5)
		m := make(map[int32]voxel.Type, k)
		for j := 0; j < k && sr.err == nil; j++ {
			idx := sr.u32()
			t := sr.voxel()
			if int(idx) >= fineVolume {
				sr.fail("индекс журнала %d вне чанка %s", idx, pos)
			}
			m[int32(idx)] = t
		}
		w.mods[pos] = m
	}
	if sr.err != nil {
		return nil, sr.err
	}
	if sr.off != len(sr.data) || cr.off != len(cr.data) {
		return nil, fmt.Errorf("%w: лишние байты в конце секции", ErrCorruptData)
	}
	return w, nil
}
