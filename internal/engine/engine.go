package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-engine/internal/lod"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/pipeline"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/world"
)

// viewerLoadPriority задает приоритет загрузки мира, в котором есть зритель
const viewerLoadPriority = 10

// Metrics принимает метрики движка
type Metrics interface {
	IncEdits(cause string, applied bool)
	ObserveTick(d time.Duration)
}

// Options содержит компоненты движка. Streaming, LOD и Meshes обязательны.
type Options struct {
	Streaming *streaming.Manager
	LOD       *lod.Manager
	Meshes    *pipeline.Scheduler
	Batcher   *vsync.ChangeBatcher
	Index     *world.SpatialIndex
	Metrics   Metrics
	Listeners []Listener
	// StatsInterval задает период рассылки WorldMemoryStats
	StatsInterval time.Duration
	Now           func() time.Time
}

type viewerState struct {
	world world.WorldID
	pos   vec.Vec3Float
}

type engineStats struct {
	ticks    atomic.Uint64
	edits    atomic.Uint64
	rejected atomic.Uint64
	batches  atomic.Uint64
	meshes   atomic.Uint64
}

// Engine управляет потоком симуляции: правки, зрители, такт.
// Все методы, кроме Do, вызываются из потока симуляции (goroutine Run).
type Engine struct {
	streaming  *streaming.Manager
	lod        *lod.Manager
	meshes     *pipeline.Scheduler
	batcher    *vsync.ChangeBatcher
	index      *world.SpatialIndex
	metrics    Metrics
	listeners  []Listener
	volume     *world.Volume
	now        func() time.Time
	statsEvery time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	commands []func()

	viewers   map[world.EntityID]viewerState
	lastStats time.Time
	stats     engineStats
}

// New собирает движок
func New(opts Options) (*Engine, error) {
	if opts.Streaming == nil || opts.LOD == nil || opts.Meshes == nil {
		return nil, errors.New("движку нужны менеджер стриминга, LOD и планировщик мешей")
	}
	if opts.Batcher == nil {
		opts.Batcher = vsync.NewChangeBatcher(vsync.DefaultWindow, vsync.DefaultCapacity)
	}
	if opts.Index == nil {
		opts.Index = world.NewSpatialIndex(0)
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		streaming:  opts.Streaming,
		lod:        opts.LOD,
		meshes:     opts.Meshes,
		batcher:    opts.Batcher,
		index:      opts.Index,
		metrics:    opts.Metrics,
		listeners:  opts.Listeners,
		volume:     world.NewVolume(opts.Streaming),
		now:        opts.Now,
		statsEvery: opts.StatsInterval,
		logger:     logging.GetEngineLogger(),
		viewers:    make(map[world.EntityID]viewerState),
	}, nil
}

// AddListener добавляет получателя событий
func (e *Engine) AddListener(l Listener) { e.listeners = append(e.listeners, l) }

// Volume возвращает фасад чтения и записи ячеек
func (e *Engine) Volume() *world.Volume { return e.volume }

// Streaming возвращает менеджер стриминга
func (e *Engine) Streaming() *streaming.Manager { return e.streaming }

// ApplyEdit применяет правку. Правка незагруженного чанка отбрасывается с ErrChunkNotLoaded.
func (e *Engine) ApplyEdit(req VoxelEditRequest) error {
	now := e.now()
	changed, err := e.volume.Apply(req.World, req.Chunk, req.Local, req.NewType)
	if e.metrics != nil {
		e.metrics.IncEdits(req.Cause.String(), err == nil)
	}
	if err != nil {
		e.stats.rejected.Add(1)
		e.logger.Debug("Правка (%s) %s %s%v отклонена: %v", req.Cause, req.World, req.Chunk, req.Local, err)
		return fmt.Errorf("правка %s %s: %w", req.World, req.Chunk, err)
	}
	e.stats.edits.Add(1)
	if w, ok := e.volume.World(req.World); ok {
		w.Touch(now)
	}
	if !changed {
		return nil
	}

	full := e.batcher.Add(vsync.VoxelChange{
		World:   req.World,
		Chunk:   req.Chunk,
		Local:   req.Local,
		NewType: req.NewType,
	}, now)
	if full {
		e.flushChanges(now, true)
	}
	return nil
}

// UpdateViewer обновляет позицию зрителя: пространственный индекс, игрок в мире,
// запрос загрузки мира, если он не загружен.
func (e *Engine) UpdateViewer(p ViewerPosition) error {
	if !p.World.Valid() {
		return fmt.Errorf("%w: %s", world.ErrInvalidWorldID, p.World)
	}
	if prev, ok := e.viewers[p.Entity]; ok && prev.world != p.World {
		if w, ok := e.volume.World(prev.world); ok {
			w.RemoveEntity(p.Entity)
		}
	}
	e.viewers[p.Entity] = viewerState{world: p.World, pos: p.Position}
	e.index.Insert(p.Entity, p.Position, p.World)

	if w, ok := e.volume.World(p.World); ok {
		w.UpsertEntity(world.Entity{ID: p.Entity, Kind: world.EntityPlayer, Position: p.Position})
		w.Touch(e.now())
		return nil
	}
	return e.requestLoad(p.World)
}

// RemoveViewer убирает зрителя (игрок покинул мир)
func (e *Engine) RemoveViewer(id world.EntityID) bool {
	prev, ok := e.viewers[id]
	if !ok {
		return false
	}
	delete(e.viewers, id)
	e.index.Remove(id)
	if w, ok := e.volume.World(prev.world); ok {
		w.RemoveEntity(id)
	}
	return true
}

// Nearby возвращает сущности вблизи точки (широкая фаза)
func (e *Engine) Nearby(id world.WorldID, center vec.Vec3Float, radius float64) []world.EntityID {
	return e.index.QueryRadius(center, radius, id)
}

func (e *Engine) requestLoad(id world.WorldID) error {
	err := e.streaming.RequestLoad(id, viewerLoadPriority)
	if errors.Is(err, streaming.ErrBudgetExceeded) {
		e.logger.Debug("Мир %s ждет места в бюджете: %v", id, err)
		return nil
	}
	return err
}

func (e *Engine) viewersOf(id world.WorldID) []lod.Viewer {
	var out []lod.Viewer
	for entity, v := range e.viewers {
		if v.world == id {
			out = append(out, lod.Viewer{Entity: entity, Position: v.pos})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Do выполняет fn в потоке симуляции на ближайшем такте и ждет результата.
// Безопасен для вызова из любых горутин (API).
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	e.mu.Lock()
	e.commands = append(e.commands, func() { done <- fn() })
	e.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runCommands() {
	e.mu.Lock()
	commands := e.commands
	e.commands = nil
	e.mu.Unlock()
	for _, cmd := range commands {
		cmd()
	}
}

// Tick выполняет один такт симуляции: команды, события стриминга, LOD, перестроение мешей,
// пакеты изменений и статистика памяти.
func (e *Engine) Tick(now time.Time) {
	start := time.Now()
	e.runCommands()
	e.handleStreaming(e.streaming.Poll())
	e.retryViewerWorlds()

	for _, w := range e.streaming.LoadedWorlds() {
		if _, _, err := e.lod.Update(w, e.viewersOf(w.ID), now); err != nil {
			e.logger.Debug("LOD мира %s: %v", w.ID, err)
		}
		if _, err := e.meshes.Schedule(w); err != nil {
			e.logger.Warn("⚠️ Перестроение мешей мира %s: %v", w.ID, err)
		}
	}
	e.emitMeshes(e.meshes.Poll(e.streaming))
	e.flushChanges(now, false)

	if now.Sub(e.lastStats) >= e.statsEvery {
		e.emitMemory()
		e.lastStats = now
	}

	e.stats.ticks.Add(1)
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(start))
	}
}

func (e *Engine) handleStreaming(events []streaming.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case streaming.EventLoaded:
			if w, ok := e.streaming.World(ev.World); ok {
				for _, v := range e.viewersOf(ev.World) {
					w.UpsertEntity(world.Entity{ID: v.Entity, Kind: world.EntityPlayer, Position: v.Position})
				}
			}
		case streaming.EventUnloaded, streaming.EventCompressed, streaming.EventFailed:
			e.index.ClearWorld(ev.World)
			e.lod.Forget(ev.World)
			if !ev.World.Persistent() {
				e.batcher.DropWorld(ev.World)
			}
			if ev.Err != nil {
				e.logger.Warn("⚠️ Мир %s: %v", ev.World, ev.Err)
			}
		}
		for _, l := range e.listeners {
			l.OnStreamingEvent(ev)
		}
	}
}

// retryViewerWorlds повторяет загрузку миров, в которых ждут зрители
func (e *Engine) retryViewerWorlds() {
	wanted := make(map[world.WorldID]struct{})
	for _, v := range e.viewers {
		wanted[v.world] = struct{}{}
	}
	for id := range wanted {
		state, unavailable := e.streaming.State(id)
		if unavailable || state == streaming.StateLoaded || state == streaming.StateLoading {
			continue
		}
		if err := e.requestLoad(id); err != nil {
			e.logger.Debug("Мир %s: %v", id, err)
		}
	}
}

func (e *Engine) emitMeshes(ready []pipeline.MeshReady) {
	for _, r := range ready {
		e.stats.meshes.Add(1)
		ev := ChunkMeshReady{World: r.World, Chunk: r.Chunk, Mesh: r.Mesh}
		for _, l := range e.listeners {
			l.OnChunkMeshReady(ev)
		}
	}
}

func (e *Engine) emitMemory() {
	for _, st := range e.streaming.Snapshot() {
		if st.State != streaming.StateLoaded {
			continue
		}
		ev := WorldMemoryStats{World: st.ID, Bytes: st.Bytes}
		for _, l := range e.listeners {
			l.OnWorldMemory(ev)
		}
	}
}

func (e *Engine) flushChanges(now time.Time, force bool) {
	batch, ok := e.batcher.Flush(now, force)
	if !ok {
		return
	}
	e.stats.batches.Add(1)
	for _, l := range e.listeners {
		l.OnVoxelChanges(batch)
	}
}

// Flush немедленно отдает накопленные изменения
func (e *Engine) Flush() { e.flushChanges(e.now(), true) }

// Drain завершает фоновую работу: загрузки миров и перестроение мешей,
// пока не останется грязных чанков. Используется в тестах и при остановке.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		e.runCommands()
		events, err := e.streaming.Drain(ctx)
		e.handleStreaming(events)
		if err != nil {
			return err
		}

		scheduled := 0
		for _, w := range e.streaming.LoadedWorlds() {
			n, err := e.meshes.Schedule(w)
			if err != nil {
				return err
			}
			scheduled += n
		}
		ready, err := e.meshes.Drain(ctx, e.streaming)
		e.emitMeshes(ready)
		if err != nil {
			return err
		}
		if scheduled == 0 && len(events) == 0 {
			return nil
		}
	}
}

// Run крутит такты с заданным интервалом до отмены контекста
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger.Info("▶️ Цикл симуляции запущен (такт %v)", interval)

	for {
		select {
		case <-ticker.C:
			e.Tick(e.now())
		case <-ctx.Done():
			e.runCommands()
			e.Flush()
			e.logger.Info("⏹️ Цикл симуляции остановлен после %d тактов", e.stats.ticks.Load())
			return nil
		}
	}
}

// GetStats возвращает статистику движка и его компонентов
func (e *Engine) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"ticks":          e.stats.ticks.Load(),
		"edits":          e.stats.edits.Load(),
		"edits_rejected": e.stats.rejected.Load(),
		"change_batches": e.stats.batches.Load(),
		"meshes":         e.stats.meshes.Load(),
		"lod":            e.lod.GetStats(),
		"pipeline":       e.meshes.GetStats(),
		"batcher":        e.batcher.GetStats(),
		"index":          e.index.GetStats(),
		"memory_usage":   e.streaming.Usage(),
		"memory_budget":  e.streaming.Budget(),
	}
}
