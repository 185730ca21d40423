package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/worker"
	"github.com/annel0/voxel-engine/internal/world"
)

// MeshReady сообщает, что меш чанка установлен
type MeshReady struct {
	World   world.WorldID
	Chunk   world.ChunkPos
	Version uint64
	Mesh    *mesh.Bundle
}

// Metrics принимает метрики перестроения мешей
type Metrics interface {
	ObserveMeshBuild(d time.Duration, triangles int, degraded bool)
	IncMeshDiscarded(reason string)
}

type jobKey struct {
	world world.WorldID
	pos   world.ChunkPos
}

type jobResult struct {
	key     jobKey
	target  *world.World
	version uint64
	bundle  *mesh.Bundle
	err     error
	took    time.Duration
}

// SchedulerStats содержит счетчики планировщика
type SchedulerStats struct {
	scheduled atomic.Uint64
	installed atomic.Uint64
	stale     atomic.Uint64
	rejected  atomic.Uint64
	degraded  atomic.Uint64
}

// Scheduler перестраивает меши грязных чанков в пуле воркеров.
// Снимок снимается в потоке симуляции, меш строится в пуле, установка идет в Poll.
// На каждый чанк не больше одной задачи в полете; повторные изменения
// подхватываются следующим Schedule после завершения задачи.
type Scheduler struct {
	opts    mesh.Options
	pool    *worker.Pool
	metrics Metrics
	logger  *logging.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	inFlight map[jobKey]struct{}
	done     []jobResult
	notify   chan struct{}
	stats    SchedulerStats
}

// NewScheduler создает планировщик мешей. metrics может быть nil.
func NewScheduler(pool *worker.Pool, opts mesh.Options, metrics Metrics) *Scheduler {
	return &Scheduler{
		opts:     opts,
		pool:     pool,
		metrics:  metrics,
		logger:   logging.GetMeshLogger(),
		tracer:   otel.Tracer("voxel-engine/pipeline"),
		inFlight: make(map[jobKey]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// InFlight возвращает число задач в полете
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Schedule отправляет в пул все грязные чанки мира, у которых нет задачи в полете.
// Возвращает число новых задач.
func (s *Scheduler) Schedule(w *world.World) (int, error) {
	scheduled := 0
	for _, pos := range w.DirtyChunks() {
		key := jobKey{world: w.ID, pos: pos}

		s.mu.Lock()
		_, busy := s.inFlight[key]
		s.mu.Unlock()
		if busy {
			continue
		}

		grid, version, err := w.Snapshot(pos)
		switch {
		case errors.Is(err, world.ErrWorldUnloaded):
			return scheduled, nil
		case errors.Is(err, world.ErrChunkNotLoaded):
			continue
		case err != nil:
			return scheduled, fmt.Errorf("снимок чанка %s мира %s: %w", pos, w.ID, err)
		}

		s.mu.Lock()
		s.inFlight[key] = struct{}{}
		s.mu.Unlock()

		target := w
		if err := s.pool.Submit(func() { s.complete(s.build(key, target, grid, version)) }); err != nil {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
			w.MarkDirty(pos)
			return scheduled, fmt.Errorf("постановка задачи меша %s: %w", pos, err)
		}
		s.stats.scheduled.Add(1)
		scheduled++
	}
	if scheduled > 0 {
		s.logger.Trace("Мир %s: %d чанков отправлено на перестроение", w.ID, scheduled)
	}
	return scheduled, nil
}

// build выполняется в пуле
func (s *Scheduler) build(key jobKey, target *world.World, grid *mesh.Grid, version uint64) jobResult {
	start := time.Now()
	_, span := s.tracer.Start(context.Background(), "pipeline.mesh", trace.WithAttributes(
		attribute.String("world", key.world.String()),
		attribute.Int("chunk.x", key.pos.X),
		attribute.Int("chunk.z", key.pos.Z),
	))
	defer span.End()

	bundle, err := mesh.Build(grid, s.opts)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("triangles", bundle.TriangleCount()))
	return jobResult{key: key, target: target, version: version, bundle: bundle, err: err, took: time.Since(start)}
}

// complete складывает результат; воркер пула не блокируется до Poll
func (s *Scheduler) complete(r jobResult) {
	s.mu.Lock()
	s.done = append(s.done, r)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Poll устанавливает готовые меши в миры реестра и возвращает установленные
func (s *Scheduler) Poll(reg world.Registry) []MeshReady {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	var ready []MeshReady
	for _, r := range done {
		if ev, ok := s.install(reg, r); ok {
			ready = append(ready, ev)
		}
	}
	return ready
}

// Drain ждет завершения всех задач в полете и устанавливает их результаты
func (s *Scheduler) Drain(ctx context.Context, reg world.Registry) ([]MeshReady, error) {
	var ready []MeshReady
	for {
		ready = append(ready, s.Poll(reg)...)
		if s.InFlight() == 0 {
			return ready, nil
		}
		if s.pool.Stopped() && s.releaseAbandoned(reg) > 0 {
			continue
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return ready, ctx.Err()
		}
	}
}

// releaseAbandoned снимает отметки задач, которые остановленный пул уже не выполнит,
// и возвращает их чанки в число грязных. Задача, успевшая завершиться, все равно
// будет установлена через Poll по версии снимка.
func (s *Scheduler) releaseAbandoned(reg world.Registry) int {
	s.mu.Lock()
	keys := make([]jobKey, 0, len(s.inFlight))
	for k := range s.inFlight {
		keys = append(keys, k)
	}
	clear(s.inFlight)
	s.mu.Unlock()

	for _, k := range keys {
		if w, ok := reg.World(k.world); ok {
			w.MarkDirty(k.pos)
		}
	}
	if len(keys) > 0 {
		s.logger.Warn("⚠️ Пул остановлен: %d задач меша сняты с ожидания", len(keys))
	}
	return len(keys)
}

func (s *Scheduler) install(reg world.Registry, r jobResult) (MeshReady, bool) {
	s.mu.Lock()
	delete(s.inFlight, r.key)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveMeshBuild(r.took, r.bundle.TriangleCount(), r.bundle != nil && r.bundle.Degraded)
	}
	if r.bundle == nil {
		s.logger.Error("❌ Меш чанка %s мира %s не построен: %v", r.key.pos, r.key.world, r.err)
		return MeshReady{}, false
	}
	if r.err != nil {
		s.stats.degraded.Add(1)
		s.logger.Warn("⚠️ Чанк %s мира %s: упрощенный меш (%v)", r.key.pos, r.key.world, r.err)
	}

	// Мир мог быть выгружен и загружен заново: версии чанков нового мира не сравнимы
	w, ok := reg.World(r.key.world)
	if !ok || w != r.target {
		s.discard("unloaded")
		return MeshReady{}, false
	}

	installed, err := w.InstallMesh(r.key.pos, r.version, r.bundle)
	if err != nil {
		s.discard("budget")
		s.logger.Warn("Меш чанка %s мира %s не установлен: %v", r.key.pos, r.key.world, err)
		return MeshReady{}, false
	}
	if !installed {
		s.discard("stale")
		return MeshReady{}, false
	}

	s.stats.installed.Add(1)
	return MeshReady{World: r.key.world, Chunk: r.key.pos, Version: r.version, Mesh: r.bundle}, true
}

func (s *Scheduler) discard(reason string) {
	if reason == "stale" {
		s.stats.stale.Add(1)
	} else {
		s.stats.rejected.Add(1)
	}
	if s.metrics != nil {
		s.metrics.IncMeshDiscarded(reason)
	}
}

// GetStats возвращает статистику планировщика
func (s *Scheduler) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"scheduled": s.stats.scheduled.Load(),
		"installed": s.stats.installed.Load(),
		"stale":     s.stats.stale.Load(),
		"rejected":  s.stats.rejected.Load(),
		"degraded":  s.stats.degraded.Load(),
		"in_flight": s.InFlight(),
	}
}
