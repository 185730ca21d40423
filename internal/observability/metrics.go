package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voxel"

// knownStates перечисляет состояния миров, для которых gauge всегда выставлен
var knownStates = []string{"unloaded", "loading", "loaded", "compressed"}

// EngineMetrics собирает Prometheus метрики движка. Реализует приемники метрик
// стриминга, конвейера мешей и потока симуляции.
type EngineMetrics struct {
	memoryUsage  prometheus.Gauge
	memoryBudget prometheus.Gauge
	worldStates  *prometheus.GaugeVec
	evictions    *prometheus.CounterVec
	loadFailures prometheus.Counter
	loadDuration prometheus.Histogram

	meshDuration  *prometheus.HistogramVec
	meshTriangles prometheus.Histogram
	meshDiscarded *prometheus.CounterVec

	edits        *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

// NewEngineMetrics создает метрики и регистрирует их в reg
func NewEngineMetrics(reg prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "memory_usage_bytes",
			Help: "Память, учтенная за резидентными мирами.",
		}),
		memoryBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "memory_budget_bytes",
			Help: "Бюджет памяти миров.",
		}),
		worldStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "worlds",
			Help: "Число миров по состояниям.",
		}, []string{"state"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "evictions_total",
			Help: "Вытеснения миров (compressed — сжат, discarded — миссия отброшена).",
		}, []string{"mode"}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "load_failures_total",
			Help: "Миры, помеченные недоступными.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "load_duration_seconds",
			Help:    "Длительность загрузки мира.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		meshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "build_duration_seconds",
			Help:    "Длительность построения меша чанка.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"degraded"}),
		meshTriangles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "triangles",
			Help:    "Число треугольников в меше чанка.",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		}),
		meshDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "discarded_total",
			Help: "Отброшенные меши (stale, unloaded, budget).",
		}, []string{"reason"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "edits_total",
			Help: "Правки вокселей по причине и результату.",
		}, []string{"cause", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "tick_duration_seconds",
			Help:    "Длительность такта симуляции.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}

	collectors := []prometheus.Collector{
		m.memoryUsage, m.memoryBudget, m.worldStates, m.evictions, m.loadFailures, m.loadDuration,
		m.meshDuration, m.meshTriangles, m.meshDiscarded, m.edits, m.tickDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *EngineMetrics) SetMemory(usage, budget int64) {
	m.memoryUsage.Set(float64(usage))
	m.memoryBudget.Set(float64(budget))
}

func (m *EngineMetrics) SetWorldStates(counts map[string]int) {
	for _, s := range knownStates {
		m.worldStates.WithLabelValues(s).Set(float64(counts[s]))
	}
	for s, n := range counts {
		m.worldStates.WithLabelValues(s).Set(float64(n))
	}
}

func (m *EngineMetrics) IncEvictions(mode string) { m.evictions.WithLabelValues(mode).Inc() }

func (m *EngineMetrics) IncLoadFailures() { m.loadFailures.Inc() }

func (m *EngineMetrics) ObserveLoad(d time.Duration) { m.loadDuration.Observe(d.Seconds()) }

func (m *EngineMetrics) ObserveMeshBuild(d time.Duration, triangles int, degraded bool) {
	label := "false"
	if degraded {
		label = "true"
	}
	m.meshDuration.WithLabelValues(label).Observe(d.Seconds())
	m.meshTriangles.Observe(float64(triangles))
}

func (m *EngineMetrics) IncMeshDiscarded(reason string) { m.meshDiscarded.WithLabelValues(reason).Inc() }

func (m *EngineMetrics) IncEdits(cause string, applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.edits.WithLabelValues(cause, result).Inc()
}

func (m *EngineMetrics) ObserveTick(d time.Duration) { m.tickDuration.Observe(d.Seconds()) }
