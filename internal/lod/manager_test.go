package lod

import (
	"math"
	"testing"
	"time"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDims() world.Dimensions {
	return world.Dimensions{Side: 8, BaseHeight: 16, Tiers: 3, VoxelSize: 1}
}

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UpdateInterval = 0
	cfg.ViewRadius = 0
	cfg.UnloadRadius = 0
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

// viewerAt ставит зрителя на расстоянии d метров по X от центра чанка (0,0)
func viewerAt(dims world.Dimensions, d float64) Viewer {
	c := dims.ChunkCenter(world.ChunkPos{})
	return Viewer{Entity: 1, Position: vec.Vec3Float{X: c.X + d, Y: 5, Z: c.Z}}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Thresholds = []float64{100, 100, 200}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidThresholds, "Пороги должны строго возрастать")

	cfg.Thresholds = []float64{0, 100}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidThresholds)

	cfg = DefaultConfig()
	cfg.UnloadRadius = cfg.ViewRadius - 1
	assert.Error(t, cfg.Validate())

	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestTierFor(t *testing.T) {
	m := newTestManager(t, nil)
	cases := []struct {
		d    float64
		want world.Tier
	}{
		{0, 0}, {99.9, 0}, {100, 1}, {150, 1}, {250, 2}, {500, 3}, {799, 3}, {900, 4}, {math.Inf(1), 4},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, m.TierFor(c.d, 4), "Дистанция %.1f", c.d)
	}
	assert.Equal(t, world.Tier(2), m.TierFor(900, 2), "Уровень ограничен самым грубым")
	assert.Equal(t, world.Tier(2), m.TierFor(250, 2))
}

func TestSelectHysteresis(t *testing.T) {
	m := newTestManager(t, nil)

	assert.Equal(t, world.Tier(0), m.Select(0, 105, 4), "В пределах гистерезиса уровень не меняется")
	assert.Equal(t, world.Tier(1), m.Select(0, 115, 4))
	assert.Equal(t, world.Tier(1), m.Select(1, 95, 4), "Возврат требует запаса гистерезиса")
	assert.Equal(t, world.Tier(0), m.Select(1, 85, 4))
	assert.Equal(t, world.Tier(2), m.Select(0, 250, 4))
	assert.Equal(t, world.Tier(4), m.Select(1, math.Inf(1), 4), "Без зрителей — самый грубый уровень")

	// Колебания вокруг порога не вызывают смен
	tier := world.Tier(0)
	changes := 0
	for i := 0; i < 100; i++ {
		d := 100 + 5*math.Sin(float64(i))
		next := m.Select(tier, d, 4)
		if next != tier {
			changes++
			tier = next
		}
	}
	assert.Equal(t, 0, changes)
}

func TestDistancePlanarAnd3D(t *testing.T) {
	dims := testDims()
	viewer := Viewer{Position: vec.Vec3Float{X: 4, Y: 100, Z: 4 + 30}}

	planar := newTestManager(t, nil)
	assert.InDelta(t, 30, planar.Distance(dims, world.ChunkPos{}, []Viewer{viewer}), 1e-9)

	full := newTestManager(t, func(c *Config) { c.Use3D = true })
	// Верх колонки на 16 м, зритель на 100 м
	assert.InDelta(t, math.Hypot(30, 84), full.Distance(dims, world.ChunkPos{}, []Viewer{viewer}), 1e-9)

	assert.True(t, math.IsInf(planar.Distance(dims, world.ChunkPos{}, nil), 1))

	near := Viewer{Position: vec.Vec3Float{X: 4, Z: 14}}
	assert.InDelta(t, 10, planar.Distance(dims, world.ChunkPos{}, []Viewer{viewer, near}), 1e-9,
		"Берется ближайший зритель")
}

func TestDueCadence(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.UpdateInterval = 500 * time.Millisecond })
	id := world.Overworld()
	start := time.Unix(100, 0)

	assert.True(t, m.Due(id, start))
	assert.False(t, m.Due(id, start.Add(100*time.Millisecond)), "Пересчет не на каждом тике")
	assert.True(t, m.Due(id, start.Add(600*time.Millisecond)))
	assert.True(t, m.Due(world.MissionWorld(1), start), "Расписание ведется по миру")

	m.Forget(id)
	assert.True(t, m.Due(id, start.Add(700*time.Millisecond)))
}

func TestRetierRoundTripByDistance(t *testing.T) {
	dims := testDims()
	m := newTestManager(t, func(c *Config) { c.Thresholds = []float64{100, 200} })
	w := world.New(world.Overworld(), world.Options{
		Dimensions: dims,
		Generator:  world.FlatGenerator{Height: 6, Type: voxel.Stone},
	})
	pos := world.ChunkPos{}
	_, err := w.LoadChunk(pos, 0)
	require.NoError(t, err)
	_, err = w.Set(pos, vec.Vec3{X: 2, Y: 9, Z: 2}, voxel.Wood)
	require.NoError(t, err)
	_, err = w.Set(pos, vec.Vec3{X: 3, Y: 1, Z: 3}, voxel.Air)
	require.NoError(t, err)

	before := w.EncodeChunks()
	now := time.Unix(0, 0)

	res, evaluated, err := m.Update(w, []Viewer{viewerAt(dims, 250)}, now)
	require.NoError(t, err)
	assert.True(t, evaluated)
	assert.Equal(t, 1, res.Retiered)
	c, _ := w.Chunk(pos)
	assert.Equal(t, world.Tier(2), c.Tier(), "На 250 м чанк переходит на уровень 2")
	assert.Equal(t, dims.Volume(2), c.CellCount())

	res, _, err = m.Update(w, []Viewer{viewerAt(dims, 50)}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retiered)
	assert.Equal(t, world.Tier(0), c.Tier())
	assert.Equal(t, before, w.EncodeChunks(), "Возврат на уровень 0 восстанавливает данные точно")
	assert.Equal(t, w.RecomputeMemory(), w.MemoryBytes())
}

func TestRetierMarksNeighborsDirty(t *testing.T) {
	dims := testDims()
	m := newTestManager(t, func(c *Config) {
		c.Thresholds = []float64{10, 20}
		c.Hysteresis = 0
	})
	w := world.New(world.Overworld(), world.Options{Dimensions: dims})
	for x := 0; x < 4; x++ {
		_, err := w.LoadChunk(world.ChunkPos{X: x}, 0)
		require.NoError(t, err)
	}
	for _, p := range w.DirtyChunks() {
		_, _, err := w.Snapshot(p)
		require.NoError(t, err)
	}

	// Зритель над чанком 0: чанк 2 в 16 м, чанк 3 в 24 м
	viewer := Viewer{Position: dims.ChunkCenter(world.ChunkPos{})}
	res, _, err := m.Update(w, []Viewer{viewer}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retiered, "Чанки 2 и 3 огрубляются")
	assert.Contains(t, w.DirtyChunks(), world.ChunkPos{X: 1}, "Сосед огрубленного чанка перестраивается")
	assert.NotContains(t, w.DirtyChunks(), world.ChunkPos{X: 0})
}

func TestResidencyPlanning(t *testing.T) {
	dims := testDims()
	m := newTestManager(t, func(c *Config) {
		c.ViewRadius = 1
		c.UnloadRadius = 2
		c.MaxLoadsPerUpdate = 100
	})
	w := world.New(world.Overworld(), world.Options{
		Dimensions: dims,
		Generator:  world.FlatGenerator{Height: 4, Type: voxel.Dirt},
	})
	home := Viewer{Entity: 1, Position: dims.ChunkCenter(world.ChunkPos{})}

	res, _, err := m.Update(w, []Viewer{home}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 9, res.Loaded, "Вокруг зрителя загружается квадрат 3×3")
	assert.Equal(t, 9, w.ChunkCount())

	_, err = w.Set(world.ChunkPos{}, vec.Vec3{X: 1, Y: 1, Z: 1}, voxel.Metal)
	require.NoError(t, err)

	away := Viewer{Entity: 1, Position: dims.ChunkCenter(world.ChunkPos{X: 10})}
	res, _, err = m.Update(w, []Viewer{away}, time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, 9, res.Unloaded)
	assert.Equal(t, 9, res.Loaded)
	_, ok := w.Chunk(world.ChunkPos{})
	assert.False(t, ok)

	_, _, err = m.Update(w, []Viewer{home}, time.Unix(2, 0))
	require.NoError(t, err)
	assert.Equal(t, voxel.Metal, w.Get(world.ChunkPos{}, vec.Vec3{X: 1, Y: 1, Z: 1}), "Правки переживают выгрузку")

	stats := m.GetStats()
	assert.Equal(t, int64(3), stats["evaluations"])
	assert.Equal(t, int64(27), stats["loads"])
}

func TestLoadsAreBoundedNearestFirst(t *testing.T) {
	dims := testDims()
	m := newTestManager(t, func(c *Config) {
		c.ViewRadius = 2
		c.UnloadRadius = 3
		c.MaxLoadsPerUpdate = 5
	})
	w := world.New(world.Overworld(), world.Options{Dimensions: dims})
	viewer := Viewer{Position: dims.ChunkCenter(world.ChunkPos{X: 3, Z: 3})}

	plan := m.Plan(w, []Viewer{viewer})
	require.Len(t, plan.Loads, 5)
	assert.Equal(t, world.ChunkPos{X: 3, Z: 3}, plan.Loads[0].Pos, "Первым идет чанк зрителя")
	for _, ld := range plan.Loads[1:] {
		assert.InDelta(t, dims.ChunkMeters(), ld.Distance, 1e-9, "Затем ближайшие соседи")
	}
}

func TestNoViewersKeepsResidency(t *testing.T) {
	dims := testDims()
	m := newTestManager(t, func(c *Config) {
		c.ViewRadius = 1
		c.UnloadRadius = 1
	})
	w := world.New(world.Overworld(), world.Options{Dimensions: dims})
	_, err := w.LoadChunk(world.ChunkPos{X: 50}, 0)
	require.NoError(t, err)

	plan := m.Plan(w, nil)
	assert.Empty(t, plan.Unloads)
	assert.Empty(t, plan.Loads)
	require.Len(t, plan.Transitions, 1)
	assert.Equal(t, world.Tier(2), plan.Transitions[0].To, "Без зрителей — самый грубый уровень")
}

func TestDefaultConfigReachesCoarseTiers(t *testing.T) {
	dims := world.DefaultDimensions()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.GreaterOrEqual(t, cfg.UnloadRadius, cfg.MinUnloadRadius(dims.ChunkMeters()),
		"Окно резидентности покрывает последний порог с гистерезисом")
	assert.Equal(t, 0, cfg.MinUnloadRadius(0))
}

func TestDefaultConfigRetierRoundTrip(t *testing.T) {
	dims := world.DefaultDimensions()
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	w := world.New(world.Overworld(), world.Options{
		Dimensions:      dims,
		Generator:       world.FlatGenerator{Height: 40, Type: voxel.Stone},
		SparseThreshold: 0.05,
	})
	pos := world.ChunkPos{}
	_, err = w.LoadChunk(pos, 0)
	require.NoError(t, err)
	_, err = w.Set(pos, vec.Vec3{X: 5, Y: 41, Z: 5}, voxel.Wood)
	require.NoError(t, err)
	_, err = w.Set(pos, vec.Vec3{X: 6, Y: 2, Z: 6}, voxel.Air)
	require.NoError(t, err)
	before := w.EncodeChunks()
	now := time.Unix(0, 0)

	_, _, err = m.Update(w, []Viewer{viewerAt(dims, 250)}, now)
	require.NoError(t, err)
	c, ok := w.Chunk(pos)
	require.True(t, ok, "На 250 м чанк остается загруженным")
	assert.Equal(t, world.Tier(2), c.Tier(), "На 250 м чанк переходит на уровень 2")

	_, _, err = m.Update(w, []Viewer{viewerAt(dims, 50)}, now.Add(time.Second))
	require.NoError(t, err)
	c, ok = w.Chunk(pos)
	require.True(t, ok)
	assert.Equal(t, world.Tier(0), c.Tier(), "Ближе 100 м чанк возвращается на уровень 0")

	for _, p := range w.ChunkPositions() {
		if p != pos {
			w.UnloadChunk(p)
		}
	}
	assert.Equal(t, before, w.EncodeChunks(), "Возврат на уровень 0 восстанавливает данные точно")
	assert.Equal(t, w.RecomputeMemory(), w.MemoryBytes())
}

func TestDefaultConfigWalkAwayCoarsens(t *testing.T) {
	dims := world.DefaultDimensions()
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	w := world.New(world.Overworld(), world.Options{Dimensions: dims, SparseThreshold: 0.05})
	pos := world.ChunkPos{}
	_, err = w.LoadChunk(pos, 0)
	require.NoError(t, err)

	seen := make(map[world.Tier]bool)
	now := time.Unix(0, 0)
	prev := world.Tier(0)
	for x := 0.0; x <= 300; x += 25 {
		_, _, err := m.Update(w, []Viewer{viewerAt(dims, x)}, now)
		require.NoError(t, err)
		now = now.Add(time.Second)

		c, ok := w.Chunk(pos)
		require.True(t, ok, "Чанк в %.0f м от зрителя не выгружается", x)
		assert.GreaterOrEqual(t, c.Tier(), prev, "При удалении уровень только грубеет")
		prev = c.Tier()
		seen[c.Tier()] = true
	}
	assert.Equal(t, map[world.Tier]bool{0: true, 1: true, 2: true}, seen)
}
