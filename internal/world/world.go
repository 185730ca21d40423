package world

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
)

// EntityID идентифицирует сущность
type EntityID uint64

// EntityKind задает вид сущности
type EntityKind uint8

const (
	EntityPlayer EntityKind = iota + 1
	EntityNPC
	EntityObject
)

// Entity описывает сущность мира с позицией в метрах
type Entity struct {
	ID       EntityID
	Kind     EntityKind
	Position vec.Vec3Float
}

// Allocator проверяет рост памяти мира. Возвращает ошибку, если рост не помещается в бюджет.
type Allocator func(id WorldID, delta int64) error

// Options содержит параметры создания мира
type Options struct {
	Dimensions      Dimensions
	Generator       Generator
	SparseThreshold float64
	Allocator       Allocator
	Now             time.Time
}

// ChunkInfo содержит сводку по чанку для диагностики
type ChunkInfo struct {
	Pos       ChunkPos
	Tier      Tier
	Storage   StorageKind
	Bytes     int64
	Dirty     bool
	Triangles int
	Degraded  bool
}

// World хранит чанки, сущности и журнал изменений одного мира.
// Счетчики памяти, последнего доступа, игроков и флаг отсоединения атомарны,
// чтобы менеджер стриминга читал их без блокировки мира.
type World struct {
	ID WorldID

	dims            Dimensions
	gen             Generator
	sparseThreshold float64

	mu       sync.RWMutex
	chunks   map[ChunkPos]*Chunk
	entities map[EntityID]*Entity
	// mods хранит авторитетный журнал изменений в индексах уровня 0
	mods  map[ChunkPos]map[int32]voxel.Type
	alloc Allocator

	createdAt  time.Time
	lastAccess atomic.Int64
	memory     atomic.Int64
	players    atomic.Int32
	detached   atomic.Bool
}

// New создает пустой мир без загруженных чанков
func New(id WorldID, opts Options) *World {
	if opts.Dimensions == (Dimensions{}) {
		opts.Dimensions = DefaultDimensions()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	w := &World{
		ID:              id,
		dims:            opts.Dimensions,
		gen:             opts.Generator,
		sparseThreshold: opts.SparseThreshold,
		chunks:          make(map[ChunkPos]*Chunk),
		entities:        make(map[EntityID]*Entity),
		mods:            make(map[ChunkPos]map[int32]voxel.Type),
		alloc:           opts.Allocator,
		createdAt:       opts.Now,
	}
	w.lastAccess.Store(opts.Now.UnixNano())
	return w
}

// Dimensions возвращает размеры чанков мира
func (w *World) Dimensions() Dimensions { return w.dims }

// SetAllocator подключает проверку бюджета памяти
func (w *World) SetAllocator(a Allocator) {
	w.mu.Lock()
	w.alloc = a
	w.mu.Unlock()
}

// reserve вызывается под блокировкой мира перед ростом памяти
func (w *World) reserve(delta int64) error {
	if delta <= 0 || w.alloc == nil {
		return nil
	}
	return w.alloc(w.ID, delta)
}

// MemoryBytes возвращает текущую оценку памяти: сумму буферов и мешей всех чанков
func (w *World) MemoryBytes() int64 { return w.memory.Load() }

// RecomputeMemory пересчитывает память по чанкам (для проверки инварианта)
func (w *World) RecomputeMemory() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var total int64
	for _, c := range w.chunks {
		total += c.Bytes()
	}
	return total
}

// CreatedAt возвращает время создания мира
func (w *World) CreatedAt() time.Time { return w.createdAt }

// Touch обновляет время последнего доступа
func (w *World) Touch(now time.Time) { w.lastAccess.Store(now.UnixNano()) }

// LastAccess возвращает время последнего доступа
func (w *World) LastAccess() time.Time { return time.Unix(0, w.lastAccess.Load()) }

// ActivePlayers возвращает число игроков в мире
func (w *World) ActivePlayers() int { return int(w.players.Load()) }

// Detach отключает мир от симуляции: дальнейшие изменения отклоняются,
// содержимое можно безопасно читать для сериализации
func (w *World) Detach() { w.detached.Store(true) }

// Detached сообщает, что мир выгружен
func (w *World) Detached() bool { return w.detached.Load() }

func (w *World) unloadedErr() error {
	return fmt.Errorf("%w: %w %s", ErrChunkNotLoaded, ErrWorldUnloaded, w.ID)
}

// ChunkCount возвращает число загруженных чанков
func (w *World) ChunkCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.chunks)
}

// Chunk возвращает загруженный чанк
func (w *World) Chunk(pos ChunkPos) (*Chunk, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.chunks[pos]
	return c, ok
}

// ChunkPositions возвращает отсортированные позиции загруженных чанков
func (w *World) ChunkPositions() []ChunkPos {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sortedPositions(w.chunks)
}

// ChunkStats возвращает сводку по всем чанкам
func (w *World) ChunkStats() []ChunkInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ChunkInfo, 0, len(w.chunks))
	for _, pos := range sortedPositions(w.chunks) {
		c := w.chunks[pos]
		info := ChunkInfo{Pos: pos, Tier: c.tier, Storage: c.store.kind(), Bytes: c.Bytes(), Dirty: c.dirty}
		if b := c.Mesh(); b != nil {
			info.Triangles = b.TriangleCount()
			info.Degraded = b.Degraded
		}
		out = append(out, info)
	}
	return out
}

func sortedPositions(m map[ChunkPos]*Chunk) []ChunkPos {
	out := make([]ChunkPos, 0, len(m))
	for pos := range m {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}

// synthesize строит буфер уровня из генератора и журнала изменений
func (w *World) synthesize(pos ChunkPos, tier Tier) []voxel.Type {
	fine := make([]voxel.Type, w.dims.Volume(0))
	if w.gen != nil {
		w.gen.Generate(pos, w.dims, fine)
	}
	for idx, t := range w.mods[pos] {
		fine[idx] = t
	}
	return Coarsen(fine, w.dims, tier)
}

// LoadChunk генерирует чанк на уровне tier. Уже загруженный чанк возвращается как есть.
func (w *World) LoadChunk(pos ChunkPos, tier Tier) (*Chunk, error) {
	if tier > w.dims.Coarsest() {
		tier = w.dims.Coarsest()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached.Load() {
		return nil, w.unloadedErr()
	}
	if c, ok := w.chunks[pos]; ok {
		return c, nil
	}

	c := newChunk(pos, w.dims, tier, w.synthesize(pos, tier))
	c.optimize(w.sparseThreshold, nil)
	if err := w.reserve(c.Bytes()); err != nil {
		return nil, fmt.Errorf("загрузка чанка %s мира %s: %w", pos, w.ID, err)
	}

	w.chunks[pos] = c
	w.memory.Add(c.Bytes())
	w.markAround(pos, -1, 1, -1, 1)
	return c, nil
}

// UnloadChunk выгружает чанк. Изменения сохраняются в журнале мира.
func (w *World) UnloadChunk(pos ChunkPos) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.chunks[pos]
	if !ok {
		return false
	}
	delete(w.chunks, pos)
	w.memory.Add(-c.Bytes())
	c.dropMesh()
	w.markAround(pos, -1, 1, -1, 1)
	return true
}

// Retier пересобирает чанк на другом уровне детализации: данные уровня 0
// восстанавливаются из генератора и журнала и сводятся к новому уровню.
// Старые буфер и меш отбрасываются, соседи помечаются грязными.
func (w *World) Retier(pos ChunkPos, tier Tier) error {
	if tier > w.dims.Coarsest() {
		tier = w.dims.Coarsest()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached.Load() {
		return w.unloadedErr()
	}
	c, ok := w.chunks[pos]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChunkNotLoaded, pos)
	}
	if c.tier == tier {
		return nil
	}

	next := newChunk(pos, w.dims, tier, w.synthesize(pos, tier))
	next.optimize(w.sparseThreshold, nil)
	delta := next.Bytes() - c.Bytes()
	if err := w.reserve(delta); err != nil {
		return fmt.Errorf("смена уровня чанка %s: %w", pos, err)
	}

	c.dropMesh()
	c.tier = tier
	c.store = next.store
	c.markDirty()
	w.memory.Add(delta)
	w.markAround(pos, -1, 1, -1, 1)
	return nil
}

// Get возвращает ячейку; Air, если мир выгружен, чанк не загружен или координата вне границ
func (w *World) Get(pos ChunkPos, local vec.Vec3) voxel.Type {
	if w.detached.Load() {
		return voxel.Air
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.chunks[pos]
	if !ok {
		return voxel.Air
	}
	t, _ := c.Get(local)
	return t
}

// GetFine читает ячейку по глобальной координате вокселя уровня 0.
// Для грубых чанков высота пересчитывается в ячейку уровня.
func (w *World) GetFine(v vec.Vec3) voxel.Type {
	pos, local := w.dims.SplitVoxel(v)
	if local.Y < 0 || local.Y >= w.dims.BaseHeight || w.detached.Load() {
		return voxel.Air
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.chunks[pos]
	if !ok {
		return voxel.Air
	}
	local.Y >>= c.tier
	t, _ := c.Get(local)
	return t
}

// Set записывает ячейку на текущем уровне чанка. Возвращает true, если значение изменилось.
// Изменение попадает в журнал (на грубом уровне во все покрытые ячейки уровня 0),
// чанк и затронутые соседи помечаются грязными.
func (w *World) Set(pos ChunkPos, local vec.Vec3, t voxel.Type) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %d", voxel.ErrUnknownType, uint8(t))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached.Load() {
		return false, w.unloadedErr()
	}
	c, ok := w.chunks[pos]
	if !ok {
		return false, fmt.Errorf("%w: %s в мире %s", ErrChunkNotLoaded, pos, w.ID)
	}
	i, ok := c.index(local)
	if !ok {
		return false, fmt.Errorf("%w: %v на уровне %d", ErrOutOfBounds, local, c.tier)
	}
	if c.store.get(i) == t {
		return false, nil
	}

	delta := c.setDelta(i, t)
	if err := w.reserve(delta); err != nil {
		return false, err
	}
	c.store.set(i, t)
	w.memory.Add(delta)
	w.record(pos, c.tier, local, t)
	c.markDirty()
	w.markBoundary(pos, local)
	w.memory.Add(c.optimize(w.sparseThreshold, w.reserve))
	return true, nil
}

// record заносит изменение в журнал в координатах уровня 0
func (w *World) record(pos ChunkPos, tier Tier, local vec.Vec3, t voxel.Type) {
	m, ok := w.mods[pos]
	if !ok {
		m = make(map[int32]voxel.Type)
		w.mods[pos] = m
	}
	factor := 1 << tier
	for k := 0; k < factor; k++ {
		m[int32(w.dims.Index(0, local.X, local.Y*factor+k, local.Z))] = t
	}
}

// markBoundary помечает соседей, чьи отступы снимка видят ячейку local.
// Нижний отступ соседа справа — две ячейки, верхний отступ соседа слева — одна.
func (w *World) markBoundary(pos ChunkPos, local vec.Vec3) {
	minX, maxX, minZ, maxZ := 0, 0, 0, 0
	if local.X == 0 {
		minX = -1
	}
	if local.X >= w.dims.Side-2 {
		maxX = 1
	}
	if local.Z == 0 {
		minZ = -1
	}
	if local.Z >= w.dims.Side-2 {
		maxZ = 1
	}
	w.markAround(pos, minX, maxX, minZ, maxZ)
}

// markAround помечает грязными загруженных соседей в диапазоне смещений (кроме самого чанка)
func (w *World) markAround(pos ChunkPos, minX, maxX, minZ, maxZ int) {
	for dz := minZ; dz <= maxZ; dz++ {
		for dx := minX; dx <= maxX; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			if n, ok := w.chunks[pos.Add(dx, dz)]; ok {
				n.markDirty()
			}
		}
	}
}

// MarkDirty помечает чанк грязным
func (w *World) MarkDirty(pos ChunkPos) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.chunks[pos]; ok {
		c.markDirty()
	}
}

// MarkAllDirty помечает грязными все чанки (после загрузки мира)
func (w *World) MarkAllDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.chunks {
		c.markDirty()
	}
}

// DirtyChunks возвращает отсортированные позиции грязных чанков
func (w *World) DirtyChunks() []ChunkPos {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ChunkPos, 0)
	for _, pos := range sortedPositions(w.chunks) {
		if w.chunks[pos].dirty {
			out = append(out, pos)
		}
	}
	return out
}

// Snapshot снимает неизменяемую копию чанка с отступами из соседей для мешинга
// и снимает флаг dirty. Возвращает версию, с которой снят снимок.
// Соседи другого уровня сэмплируются по вертикали с пересчетом высоты; отсутствующие читаются как Air.
func (w *World) Snapshot(pos ChunkPos) (*mesh.Grid, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached.Load() {
		return nil, 0, w.unloadedErr()
	}
	c, ok := w.chunks[pos]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrChunkNotLoaded, pos)
	}

	side := w.dims.Side
	height := c.Height()
	g := mesh.NewGrid(side, height, side, float32(w.dims.VoxelSize), float32(int(1)<<c.tier))

	for z := -mesh.LowPad; z < side+mesh.HighPad; z++ {
		for x := -mesh.LowPad; x < side+mesh.HighPad; x++ {
			src := c
			if x < 0 || x >= side || z < 0 || z >= side {
				src = w.chunks[pos.Add(vec.FloorDiv(x, side), vec.FloorDiv(z, side))]
				if src == nil {
					continue
				}
			}
			lx, lz := vec.FloorMod(x, side), vec.FloorMod(z, side)
			srcHeight := src.Height()
			for y := 0; y < height; y++ {
				ys := y
				if src.tier != c.tier {
					ys = (y << c.tier) >> src.tier
					if ys >= srcHeight {
						break
					}
				}
				if v := src.at(lx, ys, lz); v != voxel.Air {
					g.Set(x, y, z, v)
				}
			}
		}
	}

	c.dirty = false
	return g, c.version, nil
}

// InstallMesh атомарно подменяет меш, если версия чанка не изменилась со снимка.
// Рост памяти проверяется через аллокатор.
func (w *World) InstallMesh(pos ChunkPos, version uint64, b *mesh.Bundle) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached.Load() {
		return false, nil
	}
	c, ok := w.chunks[pos]
	if !ok || c.version != version {
		return false, nil
	}
	if err := w.reserve(b.Bytes() - c.meshBytes); err != nil {
		return false, fmt.Errorf("установка меша %s: %w", pos, err)
	}
	w.memory.Add(c.setMesh(b))
	return true, nil
}

// Modifications возвращает копию журнала изменений чанка
func (w *World) Modifications(pos ChunkPos) map[int32]voxel.Type {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[int32]voxel.Type, len(w.mods[pos]))
	for k, v := range w.mods[pos] {
		out[k] = v
	}
	return out
}

// ModificationCount возвращает общее число записей журнала
func (w *World) ModificationCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, m := range w.mods {
		n += len(m)
	}
	return n
}

// UpsertEntity добавляет сущность или обновляет ее
func (w *World) UpsertEntity(e Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.entities[e.ID]; ok {
		if old.Kind == EntityPlayer {
			w.players.Add(-1)
		}
	}
	copied := e
	w.entities[e.ID] = &copied
	if e.Kind == EntityPlayer {
		w.players.Add(1)
	}
}

// RemoveEntity удаляет сущность
func (w *World) RemoveEntity(id EntityID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	if e.Kind == EntityPlayer {
		w.players.Add(-1)
	}
	delete(w.entities, id)
	return true
}

// Entity возвращает копию сущности
func (w *World) Entity(id EntityID) (Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities возвращает копии всех сущностей, отсортированные по ID
func (w *World) Entities() []Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Players возвращает позиции игроков
func (w *World) Players() []Entity {
	all := w.Entities()
	out := all[:0]
	for _, e := range all {
		if e.Kind == EntityPlayer {
			out = append(out, e)
		}
	}
	return out
}
