package world

import (
	"errors"
	"testing"
	"time"

	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorld(gen Generator) *World {
	return New(Overworld(), Options{Dimensions: testDims(), Generator: gen, SparseThreshold: 0.1})
}

func flatStone() Generator {
	return FlatGenerator{Height: 6, Type: voxel.Stone}
}

func assertMemory(t *testing.T, w *World) {
	t.Helper()
	assert.Equal(t, w.RecomputeMemory(), w.MemoryBytes(), "Оценка памяти должна равняться сумме буферов и мешей")
}

func TestWorldIDs(t *testing.T) {
	assert.False(t, MissionWorld(42).Persistent(), "Миссия восстанавливается из сида")
	assert.True(t, UndergroundBase("alice").Persistent())
	assert.True(t, Overworld().Persistent())

	for _, id := range []WorldID{MissionWorld(-7), UndergroundBase("bob"), Overworld()} {
		parsed, err := ParseWorldID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed, "Строковая форма %s должна разбираться обратно", id)
		assert.True(t, id.Valid())
	}

	_, err := ParseWorldID("mission:abc")
	assert.ErrorIs(t, err, ErrInvalidWorldID)
	_, err = ParseWorldID("planet:1")
	assert.ErrorIs(t, err, ErrInvalidWorldID)
}

func TestVolumeReadAfterWrite(t *testing.T) {
	w := newTestWorld(flatStone())
	vol := NewVolume(Worlds{w.ID: w})
	pos := ChunkPos{X: 0, Z: 0}
	_, err := w.LoadChunk(pos, 0)
	require.NoError(t, err)

	local := vec.Vec3{X: 2, Y: 9, Z: 5}
	assert.Equal(t, voxel.Air, vol.Get(w.ID, pos, local))
	require.NoError(t, vol.Set(w.ID, pos, local, voxel.Wood))
	assert.Equal(t, voxel.Wood, vol.Get(w.ID, pos, local), "Чтение после записи должно вернуть записанное")
	assert.Equal(t, voxel.Stone, vol.Get(w.ID, pos, vec.Vec3{X: 0, Y: 0, Z: 0}))

	changed, err := vol.Apply(w.ID, pos, local, voxel.Wood)
	require.NoError(t, err)
	assert.False(t, changed, "Повторная запись того же значения не изменение")
	assertMemory(t, w)
}

func TestVolumeUnloadedAccess(t *testing.T) {
	w := newTestWorld(flatStone())
	vol := NewVolume(Worlds{w.ID: w})

	assert.Equal(t, voxel.Air, vol.Get(w.ID, ChunkPos{X: 3, Z: 3}, vec.Vec3{}), "Незагруженный чанк читается как Air")
	assert.Equal(t, voxel.Air, vol.Get(MissionWorld(1), ChunkPos{}, vec.Vec3{}), "Незагруженный мир читается как Air")

	err := vol.Set(w.ID, ChunkPos{X: 3, Z: 3}, vec.Vec3{}, voxel.Stone)
	assert.ErrorIs(t, err, ErrChunkNotLoaded)
	err = vol.Set(MissionWorld(1), ChunkPos{}, vec.Vec3{}, voxel.Stone)
	assert.ErrorIs(t, err, ErrChunkNotLoaded)

	_, err = w.LoadChunk(ChunkPos{}, 2)
	require.NoError(t, err)
	assert.Equal(t, voxel.Air, vol.Get(w.ID, ChunkPos{}, vec.Vec3{X: 0, Y: 5, Z: 0}), "Выше грубого уровня — Air")
	err = vol.Set(w.ID, ChunkPos{}, vec.Vec3{X: 0, Y: 5, Z: 0}, voxel.Stone)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = vol.Set(w.ID, ChunkPos{}, vec.Vec3{X: -1, Y: 0, Z: 0}, voxel.Stone)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDetachedWorldRejectsWrites(t *testing.T) {
	w := newTestWorld(flatStone())
	_, err := w.LoadChunk(ChunkPos{}, 0)
	require.NoError(t, err)
	w.Detach()

	_, err = w.Set(ChunkPos{}, vec.Vec3{}, voxel.Air)
	assert.ErrorIs(t, err, ErrChunkNotLoaded)
	assert.ErrorIs(t, err, ErrWorldUnloaded)
	assert.Equal(t, voxel.Air, w.Get(ChunkPos{}, vec.Vec3{}), "Выгруженный мир читается как Air")

	_, ok := NewVolume(Worlds{w.ID: w}).World(w.ID)
	assert.False(t, ok)
}

func TestRetierRestoresExactData(t *testing.T) {
	w := newTestWorld(flatStone())
	pos := ChunkPos{X: 1, Z: -1}
	_, err := w.LoadChunk(pos, 0)
	require.NoError(t, err)

	edits := map[vec.Vec3]voxel.Type{
		{X: 1, Y: 10, Z: 1}: voxel.Wood,
		{X: 2, Y: 3, Z: 2}:  voxel.Air,
		{X: 7, Y: 0, Z: 7}:  voxel.Metal,
	}
	for local, tp := range edits {
		_, err := w.Set(pos, local, tp)
		require.NoError(t, err)
	}

	d := w.Dimensions()
	before := make([]voxel.Type, 0, d.Volume(0))
	for z := 0; z < d.Side; z++ {
		for y := 0; y < d.Height(0); y++ {
			for x := 0; x < d.Side; x++ {
				before = append(before, w.Get(pos, vec.Vec3{X: x, Y: y, Z: z}))
			}
		}
	}

	require.NoError(t, w.Retier(pos, 2))
	c, _ := w.Chunk(pos)
	assert.Equal(t, Tier(2), c.Tier())
	assert.Equal(t, d.Volume(2), c.CellCount(), "Буфер пересоздан под грубый уровень")
	assertMemory(t, w)

	require.NoError(t, w.Retier(pos, 0))
	after := make([]voxel.Type, 0, d.Volume(0))
	for z := 0; z < d.Side; z++ {
		for y := 0; y < d.Height(0); y++ {
			for x := 0; x < d.Side; x++ {
				after = append(after, w.Get(pos, vec.Vec3{X: x, Y: y, Z: z}))
			}
		}
	}
	assert.Equal(t, before, after, "Возврат на уровень 0 восстанавливает данные точно")
	assertMemory(t, w)
}

func TestCoarseEditExpandsToFineCells(t *testing.T) {
	w := newTestWorld(flatStone())
	pos := ChunkPos{}
	_, err := w.LoadChunk(pos, 2)
	require.NoError(t, err)

	_, err = w.Set(pos, vec.Vec3{X: 1, Y: 3, Z: 1}, voxel.Metal)
	require.NoError(t, err)
	assert.Len(t, w.Modifications(pos), 4, "Ячейка уровня 2 покрывает 4 ячейки уровня 0")

	require.NoError(t, w.Retier(pos, 0))
	for y := 12; y < 16; y++ {
		assert.Equal(t, voxel.Metal, w.Get(pos, vec.Vec3{X: 1, Y: y, Z: 1}))
	}
}

func TestBoundaryEditMarksNeighbors(t *testing.T) {
	w := newTestWorld(flatStone())
	for _, p := range []ChunkPos{{X: -1}, {}, {X: 1}} {
		_, err := w.LoadChunk(p, 0)
		require.NoError(t, err)
	}
	clean := func() {
		for _, p := range w.DirtyChunks() {
			_, _, err := w.Snapshot(p)
			require.NoError(t, err)
		}
		require.Empty(t, w.DirtyChunks())
	}

	clean()
	_, err := w.Set(ChunkPos{}, vec.Vec3{X: 7, Y: 5, Z: 3}, voxel.Air)
	require.NoError(t, err)
	assert.Equal(t, []ChunkPos{{X: 0}, {X: 1}}, w.DirtyChunks(), "Правая граница затрагивает соседа справа")

	clean()
	_, err = w.Set(ChunkPos{}, vec.Vec3{X: 0, Y: 5, Z: 3}, voxel.Air)
	require.NoError(t, err)
	assert.Equal(t, []ChunkPos{{X: -1}, {X: 0}}, w.DirtyChunks(), "Левая граница затрагивает соседа слева")

	clean()
	_, err = w.Set(ChunkPos{}, vec.Vec3{X: 3, Y: 5, Z: 3}, voxel.Air)
	require.NoError(t, err)
	assert.Equal(t, []ChunkPos{{X: 0}}, w.DirtyChunks(), "Внутренняя правка не трогает соседей")
}

func TestSnapshotSamplesNeighbors(t *testing.T) {
	w := newTestWorld(flatStone())
	_, err := w.LoadChunk(ChunkPos{}, 0)
	require.NoError(t, err)
	_, err = w.LoadChunk(ChunkPos{X: 1}, 1)
	require.NoError(t, err)

	g, version, err := w.Snapshot(ChunkPos{})
	require.NoError(t, err)
	c, _ := w.Chunk(ChunkPos{})
	assert.Equal(t, c.Version(), version)
	assert.False(t, c.IsDirty(), "Снимок снимает флаг dirty")

	assert.Equal(t, voxel.Stone, g.At(0, 0, 0))
	assert.Equal(t, voxel.Stone, g.At(8, 5, 0), "Сосед уровня 1: ячейка 2 покрывает высоты 4..5")
	assert.Equal(t, voxel.Air, g.At(8, 6, 0))
	assert.Equal(t, voxel.Air, g.At(-1, 0, 0), "Отсутствующий сосед — воздух")
	assert.Equal(t, float32(1), g.YScale)
}

func TestInstallMeshChecksVersionAndMemory(t *testing.T) {
	w := newTestWorld(flatStone())
	pos := ChunkPos{}
	_, err := w.LoadChunk(pos, 0)
	require.NoError(t, err)

	g, version, err := w.Snapshot(pos)
	require.NoError(t, err)
	bundle, err := mesh.Build(g, mesh.Options{})
	require.NoError(t, err)

	_, err = w.Set(pos, vec.Vec3{X: 3, Y: 10, Z: 3}, voxel.Wood)
	require.NoError(t, err)
	ok, err := w.InstallMesh(pos, version, bundle)
	require.NoError(t, err)
	assert.False(t, ok, "Устаревший результат не устанавливается")

	g, version, err = w.Snapshot(pos)
	require.NoError(t, err)
	bundle, err = mesh.Build(g, mesh.Options{})
	require.NoError(t, err)
	ok, err = w.InstallMesh(pos, version, bundle)
	require.NoError(t, err)
	assert.True(t, ok)

	c, _ := w.Chunk(pos)
	assert.Same(t, bundle, c.Mesh())
	assert.Greater(t, c.Bytes(), c.BufferBytes(), "Память меша учитывается")
	assertMemory(t, w)

	w.UnloadChunk(pos)
	assert.Equal(t, int64(0), w.MemoryBytes())
	assertMemory(t, w)
}

func TestAllocatorRejectsGrowth(t *testing.T) {
	errBudget := errors.New("бюджет")
	w := New(Overworld(), Options{
		Dimensions: testDims(),
		Generator:  flatStone(),
		Allocator: func(id WorldID, delta int64) error {
			if delta > 100 {
				return errBudget
			}
			return nil
		},
	})

	_, err := w.LoadChunk(ChunkPos{}, 0)
	assert.ErrorIs(t, err, errBudget)
	assert.Equal(t, 0, w.ChunkCount(), "Чанк не создается без бюджета")
	assert.Equal(t, int64(0), w.MemoryBytes())
}

func TestEntitiesAndPlayers(t *testing.T) {
	w := newTestWorld(nil)
	w.UpsertEntity(Entity{ID: 1, Kind: EntityPlayer})
	w.UpsertEntity(Entity{ID: 2, Kind: EntityNPC})
	w.UpsertEntity(Entity{ID: 1, Kind: EntityPlayer, Position: vec.Vec3Float{X: 5}})
	assert.Equal(t, 1, w.ActivePlayers(), "Обновление игрока не удваивает счетчик")

	e, ok := w.Entity(1)
	require.True(t, ok)
	assert.Equal(t, 5.0, e.Position.X)
	assert.Len(t, w.Players(), 1)

	assert.True(t, w.RemoveEntity(1))
	assert.False(t, w.RemoveEntity(1))
	assert.Equal(t, 0, w.ActivePlayers())
	assert.Len(t, w.Entities(), 1)
}

func TestTouchUpdatesLastAccess(t *testing.T) {
	start := time.Unix(1000, 0)
	w := New(Overworld(), Options{Dimensions: testDims(), Now: start})
	assert.Equal(t, start, w.LastAccess())
	w.Touch(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Minute), w.LastAccess())
	assert.Equal(t, start, w.CreatedAt())
}

func TestRaycast(t *testing.T) {
	w := newTestWorld(flatStone())
	_, err := w.LoadChunk(ChunkPos{}, 0)
	require.NoError(t, err)

	hit, ok := w.Raycast(vec.Vec3Float{X: 3.5, Y: 10.5, Z: 3.5}, vec.Vec3Float{Y: -1}, 20)
	require.True(t, ok)
	assert.Equal(t, vec.Vec3{X: 3, Y: 5, Z: 3}, hit.Voxel)
	assert.Equal(t, vec.Vec3{Y: 1}, hit.Normal, "Луч входит через верхнюю грань")
	assert.InDelta(t, 4.5, hit.Distance, 1e-9)
	assert.Equal(t, voxel.Stone, hit.Type)

	_, ok = w.Raycast(vec.Vec3Float{X: 3.5, Y: 10.5, Z: 3.5}, vec.Vec3Float{Y: 1}, 20)
	assert.False(t, ok, "Вверх твердых вокселей нет")
	_, ok = w.Raycast(vec.Vec3Float{X: 3.5, Y: 10.5, Z: 3.5}, vec.Vec3Float{Y: -1}, 3)
	assert.False(t, ok, "Дистанция ограничена")
}

func TestGeneratorsAreDeterministic(t *testing.T) {
	d := testDims()
	d.VoxelSize = 5
	for _, id := range []WorldID{MissionWorld(9), UndergroundBase("carol"), Overworld()} {
		gen := DefaultGenerator(id, 77)
		a := make([]voxel.Type, d.Volume(0))
		b := make([]voxel.Type, d.Volume(0))
		gen.Generate(ChunkPos{X: 2, Z: -3}, d, a)
		gen.Generate(ChunkPos{X: 2, Z: -3}, d, b)
		assert.Equal(t, a, b, "Генерация %s должна быть детерминированной", id)
	}

	base := make([]voxel.Type, d.Volume(0))
	NewBaseGenerator("carol").Generate(ChunkPos{}, d, base)
	assert.Equal(t, voxel.Metal, base[d.Index(0, 0, 1, 0)], "Центр базы имеет металлический пол")
	assert.Equal(t, voxel.Stone, base[d.Index(0, 0, 0, 0)])
}
