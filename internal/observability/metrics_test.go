package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/pipeline"
	"github.com/annel0/voxel-engine/internal/streaming"
)

// Метрики движка подключаются ко всем приемникам
var (
	_ streaming.Metrics = (*EngineMetrics)(nil)
	_ pipeline.Metrics  = (*EngineMetrics)(nil)
	_ engine.Metrics    = (*EngineMetrics)(nil)
)

func TestEngineMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewEngineMetrics(reg)
	require.NoError(t, err)

	m.SetMemory(300, 1000)
	assert.Equal(t, 300.0, testutil.ToFloat64(m.memoryUsage))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.memoryBudget))

	m.SetWorldStates(map[string]int{"loaded": 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.worldStates.WithLabelValues("loaded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.worldStates.WithLabelValues("compressed")), "Известные состояния выставляются нулем")

	m.SetWorldStates(map[string]int{"compressed": 1})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.worldStates.WithLabelValues("loaded")), "Прошлое значение сбрасывается")

	m.IncEvictions("compressed")
	m.IncEvictions("compressed")
	m.IncEvictions("discarded")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evictions.WithLabelValues("compressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("discarded")))

	m.IncLoadFailures()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadFailures))

	m.IncMeshDiscarded("stale")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.meshDiscarded.WithLabelValues("stale")))

	m.IncEdits("destruction", true)
	m.IncEdits("destruction", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.edits.WithLabelValues("destruction", "rejected")))

	m.ObserveLoad(20 * time.Millisecond)
	m.ObserveMeshBuild(time.Millisecond, 120, true)
	m.ObserveTick(time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.meshDuration))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, count, 10)
}

func TestEngineMetricsRejectDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEngineMetrics(reg)
	require.NoError(t, err)
	_, err = NewEngineMetrics(reg)
	assert.Error(t, err, "Повторная регистрация в одном реестре — ошибка")
}

func TestTelemetryDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), "voxel-test", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
