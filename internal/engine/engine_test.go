package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/lod"
	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/pipeline"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/worker"
	"github.com/annel0/voxel-engine/internal/world"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder запоминает все события движка
type recorder struct {
	mu        sync.Mutex
	meshes    []ChunkMeshReady
	batches   []vsync.VoxelChangeBatch
	memory    []WorldMemoryStats
	streaming []streaming.Event
}

func (r *recorder) OnChunkMeshReady(ev ChunkMeshReady) {
	r.mu.Lock()
	r.meshes = append(r.meshes, ev)
	r.mu.Unlock()
}

func (r *recorder) OnVoxelChanges(b vsync.VoxelChangeBatch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
}

func (r *recorder) OnWorldMemory(st WorldMemoryStats) {
	r.mu.Lock()
	r.memory = append(r.memory, st)
	r.mu.Unlock()
}

func (r *recorder) OnStreamingEvent(ev streaming.Event) {
	r.mu.Lock()
	r.streaming = append(r.streaming, ev)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.meshes, r.batches, r.memory, r.streaming = nil, nil, nil, nil
	r.mu.Unlock()
}

func (r *recorder) meshChunks() map[world.ChunkPos]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[world.ChunkPos]bool)
	for _, m := range r.meshes {
		out[m.Chunk] = true
	}
	return out
}

func testDims() world.Dimensions {
	return world.Dimensions{Side: 8, BaseHeight: 16, Tiers: 3, VoxelSize: 1}
}

func newTestEngine(t *testing.T, mutateLOD func(*lod.Config)) (*Engine, *recorder, *testClock) {
	t.Helper()
	lodCfg := lod.DefaultConfig()
	lodCfg.Thresholds = []float64{10, 20}
	lodCfg.Hysteresis = 1
	lodCfg.UpdateInterval = 0
	lodCfg.ViewRadius = 0
	lodCfg.UnloadRadius = 0
	if mutateLOD != nil {
		mutateLOD(&lodCfg)
	}
	return buildTestEngine(t, testDims(), lodCfg)
}

func buildTestEngine(t *testing.T, dims world.Dimensions, lodCfg lod.Config) (*Engine, *recorder, *testClock) {
	t.Helper()
	pool := worker.NewPool(context.Background(), 4)
	t.Cleanup(pool.Stop)
	clock := &testClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	cfg := streaming.Config{
		Budget:             streaming.GiB,
		MaxConcurrentLoads: 2,
		Estimates: map[world.Kind]int64{
			world.KindMission:   1000,
			world.KindBase:      1000,
			world.KindOverworld: 1000,
		},
		Dimensions: dims,
	}
	sm, err := streaming.NewManager(streaming.Options{
		Config: cfg,
		Pool:   pool,
		Now:    clock.Now,
		Generator: func(world.WorldID) world.Generator {
			return world.FlatGenerator{Height: 6, Type: voxel.Stone}
		},
	})
	require.NoError(t, err)

	lm, err := lod.NewManager(lodCfg)
	require.NoError(t, err)

	rec := &recorder{}
	e, err := New(Options{
		Streaming: sm,
		LOD:       lm,
		Meshes:    pipeline.NewScheduler(pool, mesh.Options{}, nil),
		Batcher:   vsync.NewChangeBatcher(100*time.Millisecond, 64),
		Listeners: []Listener{rec},
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return e, rec, clock
}

func drainEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx), "Фоновая работа должна завершиться")
}

// loadOverworld загружает мир и заданные чанки на уровне 0
func loadOverworld(t *testing.T, e *Engine, chunks ...world.ChunkPos) *world.World {
	t.Helper()
	id := world.Overworld()
	require.NoError(t, e.Streaming().RequestLoad(id, 0))
	drainEngine(t, e)
	w, ok := e.Streaming().World(id)
	require.True(t, ok, "Мир должен быть загружен")
	for _, pos := range chunks {
		_, err := w.LoadChunk(pos, 0)
		require.NoError(t, err)
	}
	drainEngine(t, e)
	return w
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestViewerLoadsWorldAndChunks(t *testing.T) {
	e, rec, clock := newTestEngine(t, func(c *lod.Config) {
		c.ViewRadius = 1
		c.UnloadRadius = 3
	})
	id := world.Overworld()
	center := testDims().ChunkCenter(world.ChunkPos{})

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: id, Entity: 1, Position: vec.Vec3Float{X: center.X, Y: 7, Z: center.Z}}))
	drainEngine(t, e)

	w, ok := e.Streaming().World(id)
	require.True(t, ok, "Зритель должен вызвать загрузку мира")
	assert.Equal(t, 1, w.ActivePlayers(), "Зритель становится игроком мира после загрузки")

	e.Tick(clock.Now())
	drainEngine(t, e)

	assert.Equal(t, 9, w.ChunkCount(), "Вокруг зрителя загружается квадрат 3x3")
	chunks := rec.meshChunks()
	assert.Len(t, chunks, 9, "Каждый загруженный чанк получает меш")

	c, ok := w.Chunk(world.ChunkPos{})
	require.True(t, ok)
	assert.Equal(t, world.Tier(0), c.Tier(), "Чанк под зрителем самый детальный")
	c, ok = w.Chunk(world.ChunkPos{X: 1, Z: 1})
	require.True(t, ok)
	assert.Equal(t, world.Tier(1), c.Tier(), "Диагональный сосед дальше первого порога")

	var loaded bool
	for _, ev := range rec.streaming {
		if ev.World == id && ev.Kind == streaming.EventLoaded {
			loaded = true
		}
	}
	assert.True(t, loaded, "Слушатели получают событие загрузки")
}

func TestEditProducesBatchAndBoundaryMeshes(t *testing.T) {
	e, rec, _ := newTestEngine(t, nil)
	a, b := world.ChunkPos{}, world.ChunkPos{X: 1}
	w := loadOverworld(t, e, a, b)
	rec.reset()

	req := VoxelEditRequest{World: w.ID, Chunk: a, Local: vec.Vec3{X: 7, Y: 5, Z: 3}, NewType: voxel.Air, Cause: CauseDestruction}
	require.NoError(t, e.ApplyEdit(req))
	assert.Equal(t, voxel.Air, e.Volume().Get(w.ID, a, req.Local))

	drainEngine(t, e)
	chunks := rec.meshChunks()
	assert.True(t, chunks[a], "Меш измененного чанка перестроен")
	assert.True(t, chunks[b], "Правка на границе перестраивает соседа")

	// Повтор той же правки ничего не меняет
	require.NoError(t, e.ApplyEdit(req))

	e.Flush()
	require.Len(t, rec.batches, 1)
	batch := rec.batches[0]
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, voxel.Air, batch.Changes[0].NewType)
	assert.Equal(t, a, batch.Changes[0].Chunk)
	assert.Equal(t, req.Local, batch.Changes[0].Local)

	e.Flush()
	assert.Len(t, rec.batches, 1, "Пустой пакет не отправляется")
}

func TestEditOfUnloadedChunkIsRejected(t *testing.T) {
	e, rec, _ := newTestEngine(t, nil)
	w := loadOverworld(t, e, world.ChunkPos{})

	err := e.ApplyEdit(VoxelEditRequest{World: w.ID, Chunk: world.ChunkPos{X: 5, Z: 5}, Local: vec.Vec3{X: 1, Y: 1, Z: 1}, NewType: voxel.Wood, Cause: CausePlacement})
	assert.ErrorIs(t, err, world.ErrChunkNotLoaded)

	err = e.ApplyEdit(VoxelEditRequest{World: world.MissionWorld(3), Chunk: world.ChunkPos{}, Local: vec.Vec3{}, NewType: voxel.Wood, Cause: CausePlacement})
	assert.ErrorIs(t, err, world.ErrChunkNotLoaded, "Мир не загружен")

	e.Flush()
	assert.Empty(t, rec.batches)
	assert.EqualValues(t, 2, e.GetStats()["edits_rejected"])
}

func TestLODFollowsViewer(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	pos := world.ChunkPos{}
	w := loadOverworld(t, e, pos)
	center := testDims().ChunkCenter(pos)

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 7, Position: vec.Vec3Float{X: center.X, Y: 7, Z: center.Z}}))
	e.Tick(clock.Now())
	c, _ := w.Chunk(pos)
	assert.Equal(t, world.Tier(0), c.Tier())

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 7, Position: vec.Vec3Float{X: center.X + 100, Y: 7, Z: center.Z}}))
	clock.Advance(time.Second)
	e.Tick(clock.Now())
	c, _ = w.Chunk(pos)
	assert.Equal(t, world.Tier(2), c.Tier(), "Далекий зритель огрубляет чанк")

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 7, Position: vec.Vec3Float{X: center.X, Y: 7, Z: center.Z}}))
	clock.Advance(time.Second)
	e.Tick(clock.Now())
	c, _ = w.Chunk(pos)
	assert.Equal(t, world.Tier(0), c.Tier(), "Возвращение зрителя восстанавливает детализацию")
}

func TestDefaultLODRoundTrip(t *testing.T) {
	dims := world.DefaultDimensions()
	e, _, clock := buildTestEngine(t, dims, lod.DefaultConfig())
	pos := world.ChunkPos{}
	w := loadOverworld(t, e, pos)
	center := dims.ChunkCenter(pos)

	local := vec.Vec3{X: 4, Y: 6, Z: 4}
	require.NoError(t, e.ApplyEdit(VoxelEditRequest{World: w.ID, Chunk: pos, Local: local, NewType: voxel.Wood, Cause: CausePlacement}))

	move := func(dx float64) {
		require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 7, Position: vec.Vec3Float{X: center.X + dx, Y: 1, Z: center.Z}}))
		clock.Advance(time.Second)
		e.Tick(clock.Now())
		drainEngine(t, e)
	}

	move(250)
	c, ok := w.Chunk(pos)
	require.True(t, ok, "Чанк в 250 м остается загруженным")
	assert.Equal(t, world.Tier(2), c.Tier(), "На 250 м чанк переходит на уровень 2")

	move(50)
	c, ok = w.Chunk(pos)
	require.True(t, ok)
	assert.Equal(t, world.Tier(0), c.Tier(), "Ближе 100 м чанк возвращается на уровень 0")
	assert.Equal(t, voxel.Wood, e.Volume().Get(w.ID, pos, local), "Правка переживает смену уровня")
	assert.Equal(t, voxel.Stone, e.Volume().Get(w.ID, pos, vec.Vec3{X: 4, Y: 5, Z: 4}))
}

func TestViewersAndSpatialIndex(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	w := loadOverworld(t, e)
	p := vec.Vec3Float{X: 3, Y: 7, Z: 3}

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 1, Position: p}))
	require.NoError(t, e.UpdateViewer(ViewerPosition{World: w.ID, Entity: 2, Position: p.Add(vec.Vec3Float{X: 500})}))
	assert.Equal(t, []world.EntityID{1}, e.Nearby(w.ID, p, 2))
	assert.Equal(t, 2, w.ActivePlayers())

	assert.True(t, e.RemoveViewer(1))
	assert.False(t, e.RemoveViewer(1))
	assert.Empty(t, e.Nearby(w.ID, p, 2))
	assert.Equal(t, 1, w.ActivePlayers())

	err := e.UpdateViewer(ViewerPosition{World: world.WorldID{}, Entity: 3, Position: p})
	assert.ErrorIs(t, err, world.ErrInvalidWorldID)
}

func TestViewerMovesBetweenWorlds(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	over := loadOverworld(t, e)
	base := world.UndergroundBase("ivan")

	require.NoError(t, e.UpdateViewer(ViewerPosition{World: over.ID, Entity: 5, Position: vec.Vec3Float{X: 1, Y: 7, Z: 1}}))
	require.NoError(t, e.UpdateViewer(ViewerPosition{World: base, Entity: 5, Position: vec.Vec3Float{X: 1, Y: 7, Z: 1}}))
	assert.Equal(t, 0, over.ActivePlayers(), "Игрок покинул поверхность")

	drainEngine(t, e)
	w, ok := e.Streaming().World(base)
	require.True(t, ok, "База загружается по запросу зрителя")
	assert.Equal(t, 1, w.ActivePlayers())
}

func TestDoRunsOnTick(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- e.Do(ctx, func() error {
			return e.Streaming().RequestLoad(world.MissionWorld(11), 1)
		})
	}()

	for {
		select {
		case err := <-result:
			require.NoError(t, err)
			drainEngine(t, e)
			_, ok := e.Streaming().World(world.MissionWorld(11))
			assert.True(t, ok, "Команда выполнена в такте")
			return
		case <-ctx.Done():
			t.Fatal("Команда не выполнена")
		default:
			e.Tick(clock.Now())
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWorldMemoryStatsArePeriodic(t *testing.T) {
	e, rec, clock := newTestEngine(t, nil)
	w := loadOverworld(t, e, world.ChunkPos{})
	rec.reset()

	e.Tick(clock.Now())
	require.Len(t, rec.memory, 1)
	assert.Equal(t, w.ID, rec.memory[0].World)
	assert.Equal(t, w.MemoryBytes(), rec.memory[0].Bytes)

	clock.Advance(100 * time.Millisecond)
	e.Tick(clock.Now())
	assert.Len(t, rec.memory, 1, "Статистика рассылается не чаще интервала")

	clock.Advance(time.Second)
	e.Tick(clock.Now())
	assert.Len(t, rec.memory, 2)
}

func TestBusListenerPublishesEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var streamingEvents []StreamingPayload
	var batches []vsync.VoxelChangeBatch

	_, err := bus.Subscribe(ctx, eventbus.Filter{Types: []string{eventbus.TypeStreaming}}, func(_ context.Context, ev *eventbus.Envelope) {
		var p StreamingPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			mu.Lock()
			streamingEvents = append(streamingEvents, p)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	consumer, err := vsync.NewConsumer(ctx, bus, func(_ context.Context, _ string, b vsync.VoxelChangeBatch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer consumer.Stop()

	l := NewBusListener(bus, "node-1", vsync.NewGzipCompressor(), 16)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	id := world.UndergroundBase("olga")
	l.OnStreamingEvent(streaming.Event{World: id, Kind: streaming.EventCompressed, At: time.Now()})
	l.OnVoxelChanges(vsync.VoxelChangeBatch{
		Start:   time.Unix(100, 0),
		End:     time.Unix(100, int64(50*time.Millisecond)),
		Changes: []vsync.VoxelChange{{World: id, Chunk: world.ChunkPos{X: -2, Z: 4}, Local: vec.Vec3{X: 1, Y: 2, Z: 3}, NewType: voxel.Metal}},
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streamingEvents) == 1 && len(batches) == 1
	}, 5*time.Second, 10*time.Millisecond, "События должны дойти до подписчиков")

	mu.Lock()
	assert.Equal(t, id.String(), streamingEvents[0].World)
	assert.Equal(t, "compressed", streamingEvents[0].Kind)
	assert.Equal(t, voxel.Metal, batches[0].Changes[0].NewType)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, l.GetStats()["published"])
}
