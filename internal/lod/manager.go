package lod

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/world"
)

// Viewer задает позицию наблюдателя (игрока) в мире
type Viewer struct {
	Entity   world.EntityID
	Position vec.Vec3Float
}

// Transition описывает смену уровня детализации загруженного чанка
type Transition struct {
	Pos      world.ChunkPos
	From     world.Tier
	To       world.Tier
	Distance float64
}

// Coarsening сообщает, что переход огрубляет чанк
func (t Transition) Coarsening() bool { return t.To > t.From }

// LoadRequest указывает чанк, который нужно создать вокруг зрителя
type LoadRequest struct {
	Pos      world.ChunkPos
	Tier     world.Tier
	Distance float64
}

// Plan содержит решения одного пересчета для мира
type Plan struct {
	Transitions []Transition
	Loads       []LoadRequest
	Unloads     []world.ChunkPos
}

// Empty сообщает, что менять ничего не нужно
func (p Plan) Empty() bool {
	return len(p.Transitions) == 0 && len(p.Loads) == 0 && len(p.Unloads) == 0
}

// Result содержит итог применения плана
type Result struct {
	Retiered int
	Loaded   int
	Unloaded int
}

// managerStats содержит счетчики менеджера
type managerStats struct {
	evaluations atomic.Int64
	transitions atomic.Int64
	loads       atomic.Int64
	unloads     atomic.Int64
	failures    atomic.Int64
}

// Manager выбирает уровень детализации чанков по дистанции до ближайшего зрителя
// и планирует загрузку и выгрузку чанков вокруг зрителей.
// Все изменяющие методы вызываются из потока симуляции.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	lastEval map[world.WorldID]time.Time

	stats managerStats
}

// NewManager создает менеджер LOD
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Thresholds = append([]float64(nil), cfg.Thresholds...)
	return &Manager{
		cfg:      cfg,
		logger:   logging.GetComponentLogger("lod"),
		lastEval: make(map[world.WorldID]time.Time),
	}, nil
}

// Config возвращает параметры менеджера
func (m *Manager) Config() Config { return m.cfg }

// TierFor возвращает самый детальный уровень t с d < Thresholds[t], иначе самый грубый
func (m *Manager) TierFor(d float64, coarsest world.Tier) world.Tier {
	for t, th := range m.cfg.Thresholds {
		if world.Tier(t) >= coarsest {
			break
		}
		if d < th {
			return world.Tier(t)
		}
	}
	return coarsest
}

// Select выбирает уровень с учетом гистерезиса: огрубление только если
// TierFor(d-h) грубее текущего, детализация только если TierFor(d+h) детальнее.
func (m *Manager) Select(current world.Tier, d float64, coarsest world.Tier) world.Tier {
	h := m.cfg.Hysteresis
	if t := m.TierFor(d-h, coarsest); t > current {
		return t
	}
	if t := m.TierFor(d+h, coarsest); t < current {
		return t
	}
	return current
}

// Distance возвращает дистанцию от колонки чанка до ближайшего зрителя.
// Без зрителей возвращает +Inf.
func (m *Manager) Distance(dims world.Dimensions, pos world.ChunkPos, viewers []Viewer) float64 {
	best := math.Inf(1)
	center := dims.ChunkCenter(pos)
	top := float64(dims.BaseHeight) * dims.VoxelSize
	for _, v := range viewers {
		var d float64
		if m.cfg.Use3D {
			// Колонка занимает всю высоту мира: ближайшая точка на ее оси
			c := center
			c.Y = math.Max(0, math.Min(v.Position.Y, top))
			d = v.Position.DistanceTo(c)
		} else {
			d = v.Position.PlanarDistanceTo(center)
		}
		best = math.Min(best, d)
	}
	return best
}

// Due сообщает, что пора пересчитать мир, и запоминает момент пересчета
func (m *Manager) Due(id world.WorldID, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastEval[id]; ok && now.Sub(last) < m.cfg.UpdateInterval {
		return false
	}
	m.lastEval[id] = now
	return true
}

// Forget сбрасывает расписание мира (после выгрузки)
func (m *Manager) Forget(id world.WorldID) {
	m.mu.Lock()
	delete(m.lastEval, id)
	m.mu.Unlock()
}

// beyond сообщает, что чанк дальше radius чанков от всех зрителей
func beyond(dims world.Dimensions, pos world.ChunkPos, viewers []Viewer, radius int) bool {
	for _, v := range viewers {
		if dims.ChunkAt(v.Position).Vec2().ChebyshevTo(pos.Vec2()) <= radius {
			return false
		}
	}
	return true
}

// Plan строит план переходов, загрузок и выгрузок для мира.
// Без зрителей все чанки уходят на самый грубый уровень, резидентность не меняется.
func (m *Manager) Plan(w *world.World, viewers []Viewer) Plan {
	dims := w.Dimensions()
	coarsest := dims.Coarsest()
	var plan Plan

	loaded := make(map[world.ChunkPos]struct{})
	for _, info := range w.ChunkStats() {
		loaded[info.Pos] = struct{}{}
		if len(viewers) > 0 && m.cfg.UnloadRadius > 0 && beyond(dims, info.Pos, viewers, m.cfg.UnloadRadius) {
			plan.Unloads = append(plan.Unloads, info.Pos)
			continue
		}
		d := m.Distance(dims, info.Pos, viewers)
		if next := m.Select(info.Tier, d, coarsest); next != info.Tier {
			plan.Transitions = append(plan.Transitions, Transition{Pos: info.Pos, From: info.Tier, To: next, Distance: d})
		}
	}
	// Сначала огрубление: оно освобождает память для детализации
	sort.SliceStable(plan.Transitions, func(i, j int) bool {
		return plan.Transitions[i].Coarsening() && !plan.Transitions[j].Coarsening()
	})

	if len(viewers) == 0 || m.cfg.ViewRadius <= 0 {
		return plan
	}
	r := m.cfg.ViewRadius
	for _, v := range viewers {
		c := dims.ChunkAt(v.Position)
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				p := c.Add(dx, dz)
				if _, ok := loaded[p]; ok {
					continue
				}
				loaded[p] = struct{}{}
				d := m.Distance(dims, p, viewers)
				plan.Loads = append(plan.Loads, LoadRequest{Pos: p, Tier: m.TierFor(d, coarsest), Distance: d})
			}
		}
	}
	sort.Slice(plan.Loads, func(i, j int) bool {
		a, b := plan.Loads[i], plan.Loads[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Pos.X != b.Pos.X {
			return a.Pos.X < b.Pos.X
		}
		return a.Pos.Z < b.Pos.Z
	})
	if limit := m.cfg.MaxLoadsPerUpdate; limit > 0 && len(plan.Loads) > limit {
		plan.Loads = plan.Loads[:limit]
	}
	return plan
}

// Apply применяет план к миру. Ошибки смены уровня не прерывают остальные переходы;
// первая ошибка загрузки (обычно нехватка бюджета) прекращает загрузки до следующего пересчета.
func (m *Manager) Apply(w *world.World, plan Plan) (Result, error) {
	var res Result
	var errs []error

	for _, pos := range plan.Unloads {
		if w.UnloadChunk(pos) {
			res.Unloaded++
		}
	}
	for _, tr := range plan.Transitions {
		if err := w.Retier(tr.Pos, tr.To); err != nil {
			errs = append(errs, fmt.Errorf("переход %s %d→%d: %w", tr.Pos, tr.From, tr.To, err))
			continue
		}
		res.Retiered++
		m.logger.Trace("Чанк %s мира %s: уровень %d → %d (%.1f м)", tr.Pos, w.ID, tr.From, tr.To, tr.Distance)
	}
	for _, ld := range plan.Loads {
		if _, err := w.LoadChunk(ld.Pos, ld.Tier); err != nil {
			errs = append(errs, fmt.Errorf("загрузка %s: %w", ld.Pos, err))
			break
		}
		res.Loaded++
	}

	m.stats.transitions.Add(int64(res.Retiered))
	m.stats.loads.Add(int64(res.Loaded))
	m.stats.unloads.Add(int64(res.Unloaded))
	m.stats.failures.Add(int64(len(errs)))
	return res, errors.Join(errs...)
}

// Update пересчитывает мир, если подошел срок. Второе значение сообщает, был ли пересчет.
func (m *Manager) Update(w *world.World, viewers []Viewer, now time.Time) (Result, bool, error) {
	if !m.Due(w.ID, now) {
		return Result{}, false, nil
	}
	m.stats.evaluations.Add(1)

	plan := m.Plan(w, viewers)
	if plan.Empty() {
		return Result{}, true, nil
	}
	res, err := m.Apply(w, plan)
	if err != nil {
		m.logger.Warn("⚠️ LOD мира %s применен частично: %v", w.ID, err)
	}
	if res != (Result{}) {
		m.logger.Debug("LOD мира %s: переходов %d, загружено %d, выгружено %d", w.ID, res.Retiered, res.Loaded, res.Unloaded)
	}
	return res, true, err
}

// GetStats возвращает статистику менеджера
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"evaluations": m.stats.evaluations.Load(),
		"transitions": m.stats.transitions.Load(),
		"loads":       m.stats.loads.Load(),
		"unloads":     m.stats.unloads.Load(),
		"failures":    m.stats.failures.Load(),
	}
}
