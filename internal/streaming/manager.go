package streaming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/storage"
	"github.com/annel0/voxel-engine/internal/worker"
	"github.com/annel0/voxel-engine/internal/world"
)

// storeTimeout ограничивает одну операцию с хранилищем
const storeTimeout = 30 * time.Second

// WorldKey возвращает ключ сжатого мира в хранилище
func WorldKey(id world.WorldID) string {
	return "world:" + id.String()
}

// QuarantineKey возвращает ключ поврежденных байтов мира
func QuarantineKey(id world.WorldID, at time.Time) string {
	return fmt.Sprintf("quarantine:%s:%d", id, at.UnixNano())
}

// Metrics принимает метрики стриминга (реализуется observability.EngineMetrics)
type Metrics interface {
	SetMemory(usage, budget int64)
	SetWorldStates(counts map[string]int)
	IncEvictions(mode string)
	IncLoadFailures()
	ObserveLoad(d time.Duration)
}

// Options содержит зависимости менеджера
type Options struct {
	Config  Config
	Pool    *worker.Pool
	Store   storage.BlobStore
	Metrics Metrics
	// Generator переопределяет генератор мира (тесты, арены)
	Generator func(id world.WorldID) world.Generator
	Now       func() time.Time
}

// entry описывает запись таблицы миров
type entry struct {
	id          world.WorldID
	state       State
	world       *world.World
	compressed  *CompressedWorld
	reservation int64
	task        uuid.UUID
	job         *loadJob
	unavailable bool
	lastErr     error
}

// loadJob описывает допущенную загрузку в очереди
type loadJob struct {
	id       world.WorldID
	task     uuid.UUID
	priority int
	seq      uint64
	cw       *CompressedWorld
}

// loadResult содержит итог задачи загрузки из пула
type loadResult struct {
	id      world.WorldID
	task    uuid.UUID
	world   *world.World
	cw      *CompressedWorld
	err     error
	corrupt bool
	raw     []byte
	took    time.Duration
}

// Manager держит резидентные миры в пределах бюджета памяти: допускает загрузки,
// вытесняет простаивающие миры (LRU), сжимает постоянные и перегенерирует миссии.
// Переходы таблицы выполняются под мьютексом менеджера; блокировки миров
// менеджер не берет, а читает их атомарные счетчики.
type Manager struct {
	cfg     Config
	pool    *worker.Pool
	store   storage.BlobStore
	metrics Metrics
	genFor  func(world.WorldID) world.Generator
	now     func() time.Time
	logger  *logging.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	entries   map[world.WorldID]*entry
	estimates map[world.WorldID]int64
	queue     []*loadJob
	seq       uint64
	inFlight  int
	pending   []Event

	results chan loadResult
	writes  sync.WaitGroup
}

// NewManager создает менеджер стриминга
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация стриминга: %w", err)
	}
	if opts.Pool == nil {
		return nil, errors.New("менеджеру стриминга нужен пул воркеров")
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config
	if opts.Generator == nil {
		opts.Generator = func(id world.WorldID) world.Generator {
			return world.DefaultGenerator(id, cfg.OverworldSeed)
		}
	}

	return &Manager{
		cfg:       cfg,
		pool:      opts.Pool,
		store:     opts.Store,
		metrics:   opts.Metrics,
		genFor:    opts.Generator,
		now:       opts.Now,
		logger:    logging.GetStreamingLogger(),
		tracer:    otel.Tracer("voxel-engine/streaming"),
		entries:   make(map[world.WorldID]*entry),
		estimates: make(map[world.WorldID]int64),
		results:   make(chan loadResult, cfg.MaxConcurrentLoads),
	}, nil
}

// Budget возвращает бюджет памяти
func (m *Manager) Budget() int64 { return m.cfg.Budget }

// Store возвращает хранилище сжатых миров
func (m *Manager) Store() storage.BlobStore { return m.store }

// SetEstimate задает оценку размера конкретного мира
func (m *Manager) SetEstimate(id world.WorldID, bytes int64) {
	m.mu.Lock()
	m.estimates[id] = bytes
	m.mu.Unlock()
}

func (m *Manager) worldOptions(id world.WorldID) world.Options {
	return world.Options{
		Dimensions:      m.cfg.Dimensions,
		Generator:       m.genFor(id),
		SparseThreshold: m.cfg.SparseThreshold,
		Now:             m.now(),
	}
}

func (m *Manager) entryLocked(id world.WorldID) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{id: id}
		m.entries[id] = e
	}
	return e
}

func (m *Manager) estimateLocked(id world.WorldID) int64 {
	est, ok := m.estimates[id]
	if !ok {
		est = m.cfg.Estimates[id.Kind]
	}
	if e := m.entries[id]; e != nil && e.compressed != nil && e.compressed.MemoryBytes > est {
		est = e.compressed.MemoryBytes
	}
	return est
}

// chargedLocked возвращает память, учитываемую за мир: резерв при загрузке, max(резерв, факт) после
func chargedLocked(e *entry) int64 {
	switch e.state {
	case StateLoading:
		return e.reservation
	case StateLoaded:
		return max(e.reservation, e.world.MemoryBytes())
	default:
		return 0
	}
}

func (m *Manager) usageLocked() int64 {
	var total int64
	for _, e := range m.entries {
		total += chargedLocked(e)
	}
	return total
}

// Usage возвращает учтенную память всех резидентных и загружаемых миров
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) emitLocked(id world.WorldID, kind EventKind, err error) {
	m.pending = append(m.pending, Event{World: id, Kind: kind, Err: err, At: m.now()})
}

// RequestLoad допускает загрузку мира. Загруженный мир только отмечается как использованный,
// загружаемый — получает более высокий приоритет. Если мир не помещается даже после
// вытеснения простаивающих миров, возвращается ErrBudgetExceeded (повторить позже).
func (m *Manager) RequestLoad(id world.WorldID, priority int) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %s", world.ErrInvalidWorldID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.updateMetricsLocked()

	e := m.entryLocked(id)
	if e.unavailable {
		return fmt.Errorf("%w: %s", ErrWorldUnavailable, id)
	}
	switch e.state {
	case StateLoaded:
		e.world.Touch(m.now())
		return nil
	case StateLoading:
		if e.job != nil && priority > e.job.priority {
			e.job.priority = priority
			m.sortQueueLocked()
		}
		return nil
	}

	est := m.estimateLocked(id)
	if est > m.cfg.Budget {
		return fmt.Errorf("%w: мир %s (%d байт) больше бюджета %d", ErrBudgetExceeded, id, est, m.cfg.Budget)
	}
	usage := m.usageLocked()
	if over := usage + est - m.cfg.Budget; over > 0 && !m.evictLocked(over, id) {
		return fmt.Errorf("%w: мир %s требует %d байт, занято %d из %d", ErrBudgetExceeded, id, est, usage, m.cfg.Budget)
	}

	m.seq++
	job := &loadJob{id: id, task: uuid.New(), priority: priority, seq: m.seq, cw: e.compressed}
	e.state = StateLoading
	e.reservation = est
	e.task = job.task
	e.job = job
	m.queue = append(m.queue, job)
	m.sortQueueLocked()
	m.logger.Debug("Загрузка мира %s допущена: резерв %d байт, приоритет %d, задача %s", id, est, priority, job.task)

	m.dispatchLocked()
	return nil
}

func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].priority != m.queue[j].priority {
			return m.queue[i].priority > m.queue[j].priority
		}
		return m.queue[i].seq < m.queue[j].seq
	})
}

// dispatchLocked отправляет задачи загрузки в пул в пределах MaxConcurrentLoads
func (m *Manager) dispatchLocked() {
	for m.inFlight < m.cfg.MaxConcurrentLoads && len(m.queue) > 0 {
		job := m.queue[0]
		m.queue = m.queue[1:]
		e := m.entries[job.id]
		if e == nil || e.state != StateLoading || e.task != job.task {
			continue
		}

		opts := m.worldOptions(job.id)
		if err := m.pool.Submit(func() { m.results <- m.runLoad(job, opts) }); err != nil {
			e.state = StateUnloaded
			if e.compressed != nil {
				e.state = StateCompressed
			}
			e.reservation = 0
			e.job = nil
			m.emitLocked(job.id, EventFailed, fmt.Errorf("загрузка %s: %w", job.id, err))
			continue
		}
		m.inFlight++
	}
}

// runLoad выполняется в пуле: распаковывает копию из памяти или хранилища, иначе создает мир заново
func (m *Manager) runLoad(job *loadJob, opts world.Options) loadResult {
	start := time.Now()
	ctx, span := m.tracer.Start(context.Background(), "streaming.load",
		trace.WithAttributes(attribute.String("world", job.id.String()), attribute.String("task", job.task.String())))
	defer span.End()

	res := loadResult{id: job.id, task: job.task}
	fail := func(err error, corrupt bool, raw []byte) loadResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.err, res.corrupt, res.raw = err, corrupt, raw
		return res
	}

	cw := job.cw
	if cw == nil && job.id.Persistent() {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		data, err := m.store.Get(sctx, WorldKey(job.id))
		cancel()
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return fail(fmt.Errorf("чтение %s из хранилища: %w", job.id, err), false, nil)
		default:
			if cw, err = ParseCompressed(data); err != nil {
				return fail(err, true, data)
			}
		}
	}

	if cw != nil {
		w, err := cw.Decompress(opts)
		if err != nil {
			return fail(err, true, cw.Bytes())
		}
		res.world, res.cw = w, cw
		span.SetAttributes(attribute.Int("chunks", w.ChunkCount()))
	} else {
		res.world = world.New(job.id, opts)
	}
	res.took = time.Since(start)
	return res
}

// Poll устанавливает завершенные загрузки (вызывается из потока симуляции)
// и возвращает накопленные события.
func (m *Manager) Poll() []Event {
	for {
		select {
		case r := <-m.results:
			m.mu.Lock()
			m.installLocked(r)
			m.mu.Unlock()
		default:
			m.mu.Lock()
			defer m.mu.Unlock()
			m.dispatchLocked()
			m.updateMetricsLocked()
			events := m.pending
			m.pending = nil
			return events
		}
	}
}

// Drain ждет завершения всех загрузок и фоновых записей. Используется в тестах и при остановке.
func (m *Manager) Drain(ctx context.Context) ([]Event, error) {
	var all []Event
	for {
		all = append(all, m.Poll()...)

		m.mu.Lock()
		idle := m.inFlight == 0 && len(m.queue) == 0
		m.mu.Unlock()
		if idle {
			m.writes.Wait()
			return all, nil
		}

		select {
		case r := <-m.results:
			m.mu.Lock()
			m.installLocked(r)
			m.mu.Unlock()
		case <-ctx.Done():
			return all, ctx.Err()
		}
	}
}

func (m *Manager) installLocked(r loadResult) {
	m.inFlight--
	e := m.entries[r.id]
	if e == nil || e.state != StateLoading || e.task != r.task {
		m.logger.Debug("Результат задачи %s для %s устарел и отброшен", r.task, r.id)
		if r.world != nil {
			r.world.Detach()
		}
		return
	}
	e.job = nil

	if r.err != nil {
		if r.corrupt {
			m.failLocked(e, r.err, r.raw)
			return
		}
		e.state = StateUnloaded
		if e.compressed != nil {
			e.state = StateCompressed
		}
		e.reservation = 0
		e.lastErr = r.err
		m.emitLocked(e.id, EventFailed, r.err)
		if m.metrics != nil {
			m.metrics.IncLoadFailures()
		}
		m.logger.Warn("⚠️ Загрузка мира %s не удалась: %v", e.id, r.err)
		return
	}

	w := r.world
	w.Touch(m.now())
	e.world = w
	e.state = StateLoaded
	if over := m.usageLocked() - m.cfg.Budget; over > 0 && !m.evictLocked(over, e.id) {
		// Фактический размер превысил резерв и места нет: откатываем загрузку
		w.Detach()
		e.world = nil
		e.reservation = 0
		e.state = StateUnloaded
		if r.cw != nil {
			e.compressed = r.cw
			e.state = StateCompressed
		}
		m.emitLocked(e.id, EventFailed, fmt.Errorf("%w: мир %s занимает %d байт", ErrBudgetExceeded, e.id, w.MemoryBytes()))
		return
	}

	e.compressed = nil
	e.lastErr = nil
	id := e.id
	w.SetAllocator(func(_ world.WorldID, delta int64) error { return m.allocate(id, delta) })
	m.emitLocked(id, EventLoaded, nil)
	if m.metrics != nil {
		m.metrics.ObserveLoad(r.took)
	}
	m.logger.Info("🌍 Мир %s загружен: %d чанков, %d байт", id, w.ChunkCount(), w.MemoryBytes())
}

// allocate проверяет рост памяти загруженного мира. Вызывается под блокировкой мира
// из потока симуляции; может вытеснить другие простаивающие миры, но не сам мир.
func (m *Manager) allocate(id world.WorldID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[id]
	if e == nil || e.state != StateLoaded || e.world == nil {
		return nil
	}
	actual := e.world.MemoryBytes()
	extra := max(e.reservation, actual+delta) - max(e.reservation, actual)
	if extra <= 0 {
		return nil
	}
	if over := m.usageLocked() + extra - m.cfg.Budget; over > 0 && !m.evictLocked(over, id) {
		return fmt.Errorf("%w: рост мира %s на %d байт", ErrBudgetExceeded, id, delta)
	}
	return nil
}

// evictLocked вытесняет простаивающие загруженные миры (без игроков) по LRU,
// пока не освободится need байт. Если кандидатов не хватает, ничего не вытесняет.
func (m *Manager) evictLocked(need int64, exclude world.WorldID) bool {
	var candidates []*entry
	var available int64
	for _, e := range m.entries {
		if e.state != StateLoaded || e.id == exclude || e.world.ActivePlayers() > 0 {
			continue
		}
		candidates = append(candidates, e)
		available += chargedLocked(e)
	}
	if available < need {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].world.LastAccess(), candidates[j].world.LastAccess()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return candidates[i].id.String() < candidates[j].id.String()
	})

	var freed int64
	for _, e := range candidates {
		if freed >= need {
			break
		}
		freed += chargedLocked(e)
		if err := m.evictEntryLocked(e); err != nil {
			m.logger.Error("❌ Вытеснение мира %s: %v", e.id, err)
		}
	}
	return true
}

// evictEntryLocked отсоединяет мир: постоянный сжимается (в память и в хранилище),
// миссия отбрасывается и будет перегенерирована из сида.
func (m *Manager) evictEntryLocked(e *entry) error {
	w := e.world
	w.Detach()
	e.world = nil
	e.reservation = 0

	if !e.id.Persistent() {
		e.state = StateUnloaded
		m.emitLocked(e.id, EventUnloaded, nil)
		if m.metrics != nil {
			m.metrics.IncEvictions("discarded")
		}
		m.logger.Info("🗑️ Мир %s выгружен без сохранения", e.id)
		return nil
	}

	_, span := m.tracer.Start(context.Background(), "streaming.compress",
		trace.WithAttributes(attribute.String("world", e.id.String())))
	defer span.End()

	cw, err := Compress(w, m.now())
	if err != nil {
		span.RecordError(err)
		raw := append(w.EncodeChunks(), w.EncodeState()...)
		m.failLocked(e, err, raw)
		return err
	}
	e.compressed = cw
	e.state = StateCompressed
	m.persistAsync(WorldKey(e.id), cw.Bytes())
	m.emitLocked(e.id, EventCompressed, nil)
	if m.metrics != nil {
		m.metrics.IncEvictions("compressed")
	}
	m.logger.Info("📦 Мир %s сжат: %d → %d байт (%.1f%%)", e.id, cw.RawBytes, cw.Size(), cw.Ratio()*100)
	return nil
}

// failLocked помечает мир недоступным и переносит байты в карантин. Автоматических повторов нет.
func (m *Manager) failLocked(e *entry, cause error, raw []byte) {
	e.state = StateUnloaded
	e.unavailable = true
	e.world = nil
	e.compressed = nil
	e.reservation = 0
	e.lastErr = cause

	key := ""
	if raw != nil {
		key = QuarantineKey(e.id, m.now())
		m.persistAsync(key, raw)
	}
	m.emitLocked(e.id, EventFailed, fmt.Errorf("%w: %s: %w", ErrWorldUnavailable, e.id, cause))
	if m.metrics != nil {
		m.metrics.IncLoadFailures()
	}
	m.logger.Error("❌ Мир %s поврежден и недоступен (карантин %q): %v", e.id, key, cause)
}

// persistAsync пишет байты в хранилище в пуле; при остановленном пуле синхронно
func (m *Manager) persistAsync(key string, data []byte) {
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := m.store.Put(ctx, key, data); err != nil {
			m.logger.Error("❌ Запись %s в хранилище: %v", key, err)
		}
	}

	m.writes.Add(1)
	err := m.pool.Submit(func() {
		defer m.writes.Done()
		write()
	})
	if err != nil {
		m.writes.Done()
		write()
	}
}

// Unload явно выгружает мир; загрузка в процессе отменяется (ее результат будет отброшен)
func (m *Manager) Unload(id world.WorldID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.updateMetricsLocked()

	e := m.entries[id]
	if e == nil {
		return nil
	}
	switch e.state {
	case StateLoading:
		e.task = uuid.Nil
		e.job = nil
		e.reservation = 0
		e.state = StateUnloaded
		if e.compressed != nil {
			e.state = StateCompressed
		}
		m.emitLocked(id, EventUnloaded, nil)
		return nil
	case StateLoaded:
		return m.evictEntryLocked(e)
	default:
		return nil
	}
}

// World возвращает загруженный мир (реализует world.Registry)
func (m *Manager) World(id world.WorldID) (*world.World, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil || e.state != StateLoaded {
		return nil, false
	}
	return e.world, true
}

// LoadedWorlds возвращает загруженные миры в порядке идентификаторов
func (m *Manager) LoadedWorlds() []*world.World {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*world.World, 0, len(m.entries))
	for _, e := range m.entries {
		if e.state == StateLoaded {
			out = append(out, e.world)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// State возвращает состояние мира и флаг недоступности
func (m *Manager) State(id world.WorldID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return StateUnloaded, false
	}
	return e.state, e.unavailable
}

// Compressed возвращает сжатую копию мира в памяти
func (m *Manager) Compressed(id world.WorldID) (*CompressedWorld, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil || e.compressed == nil {
		return nil, false
	}
	return e.compressed, true
}

// ResetUnavailable снимает флаг недоступности после ручного восстановления данных
func (m *Manager) ResetUnavailable(id world.WorldID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil || !e.unavailable {
		return false
	}
	e.unavailable = false
	e.lastErr = nil
	m.logger.Info("Мир %s снова доступен для загрузки", id)
	return true
}

// Snapshot возвращает сводку по всем известным мирам
func (m *Manager) Snapshot() []WorldStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorldStatus, 0, len(m.entries))
	for _, e := range m.entries {
		st := WorldStatus{
			ID:          e.id,
			State:       e.state,
			Unavailable: e.unavailable,
			Reservation: e.reservation,
			Charged:     chargedLocked(e),
		}
		if e.world != nil {
			st.Bytes = e.world.MemoryBytes()
			st.Players = e.world.ActivePlayers()
			st.Chunks = e.world.ChunkCount()
			st.LastAccess = e.world.LastAccess()
		}
		if e.compressed != nil {
			st.CompressedBytes = e.compressed.Size()
			if st.LastAccess.IsZero() {
				st.LastAccess = e.compressed.LastAccess
			}
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *Manager) updateMetricsLocked() {
	if m.metrics == nil {
		return
	}
	counts := map[string]int{
		StateUnloaded.String():   0,
		StateLoading.String():    0,
		StateLoaded.String():     0,
		StateCompressed.String(): 0,
	}
	for _, e := range m.entries {
		counts[e.state.String()]++
	}
	m.metrics.SetMemory(m.usageLocked(), m.cfg.Budget)
	m.metrics.SetWorldStates(counts)
}

// Shutdown сохраняет все постоянные загруженные миры синхронно и ждет фоновых записей
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var errs []error
	for _, e := range m.entries {
		if e.state != StateLoaded {
			continue
		}
		w := e.world
		w.Detach()
		e.world = nil
		e.reservation = 0
		e.state = StateUnloaded
		if !e.id.Persistent() {
			continue
		}
		cw, err := Compress(w, m.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("сжатие %s: %w", e.id, err))
			continue
		}
		e.compressed = cw
		e.state = StateCompressed
		if err := m.store.Put(ctx, WorldKey(e.id), cw.Bytes()); err != nil {
			errs = append(errs, fmt.Errorf("сохранение %s: %w", e.id, err))
		}
	}
	m.updateMetricsLocked()
	m.mu.Unlock()

	m.writes.Wait()
	if len(errs) == 0 {
		m.logger.Info("💾 Миры сохранены при остановке")
	}
	return errors.Join(errs...)
}
