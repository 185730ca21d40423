package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/voxel-engine/internal/api"
	"github.com/annel0/voxel-engine/internal/config"
	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/lod"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/observability"
	"github.com/annel0/voxel-engine/internal/pipeline"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/worker"
	"github.com/annel0/voxel-engine/internal/world"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (иначе VOXEL_CONFIG)")
	preload := flag.Bool("overworld", true, "загрузить поверхность при старте")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка конфигурации: %v", err)
	}

	if err := logging.InitDefaultLogger("server", cfg.Telemetry.LogDir); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Telemetry.LogLevel))

	if err := run(cfg, *preload); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func run(cfg *config.Config, preload bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("телеметрия: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Остановка телеметрии: %v", err)
		}
	}()

	// === МЕТРИКИ ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewEngineMetrics(reg)
	if err != nil {
		return fmt.Errorf("метрики движка: %w", err)
	}

	// === ИНФРАСТРУКТУРА ===
	store, err := cfg.Storage.OpenStore()
	if err != nil {
		return fmt.Errorf("хранилище %s: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	bus, err := cfg.EventBus.OpenBus()
	if err != nil {
		return fmt.Errorf("шина %s: %w", cfg.EventBus.Backend, err)
	}
	defer bus.Close()

	compressor, err := vsync.NewCompressor(cfg.Sync.Codec)
	if err != nil {
		return err
	}

	pool := worker.NewPool(context.Background(), cfg.Mesh.Workers)
	defer pool.Stop()

	// === ДВИЖОК ===
	streamCfg := cfg.StreamingConfig()
	streamer, err := streaming.NewManager(streaming.Options{
		Config:  streamCfg,
		Pool:    pool,
		Store:   store,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("менеджер стриминга: %w", err)
	}
	lodManager, err := lod.NewManager(cfg.LODConfig())
	if err != nil {
		return fmt.Errorf("менеджер LOD: %w", err)
	}

	busListener := engine.NewBusListener(bus, cfg.Sync.NodeID, compressor, cfg.EventBus.Capacity)
	events := api.NewEventStream()
	eng, err := engine.New(engine.Options{
		Streaming:     streamer,
		LOD:           lodManager,
		Meshes:        pipeline.NewScheduler(pool, cfg.MeshOptions(), metrics),
		Batcher:       vsync.NewChangeBatcher(cfg.Sync.Window(), cfg.Sync.Capacity),
		Index:         world.NewSpatialIndex(cfg.Dimensions().ChunkMeters()),
		Metrics:       metrics,
		Listeners:     []engine.Listener{busListener, events},
		StatsInterval: cfg.Server.StatsInterval(),
	})
	if err != nil {
		return err
	}

	exporter, err := eventbus.NewMetricsExporter(bus, reg, 5*time.Second)
	if err != nil {
		return fmt.Errorf("экспорт метрик шины: %w", err)
	}
	if _, err := eventbus.StartLoggingListener(ctx, bus); err != nil {
		return fmt.Errorf("логирование шины: %w", err)
	}

	server, err := api.NewRestServer(api.Config{
		Port:     fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		Engine:   eng,
		Registry: reg,
		Events:   events,
		Stats: map[string]api.StatsProvider{
			"pool":   pool.GetStats,
			"bus":    busListener.GetStats,
			"events": events.GetStats,
		},
	})
	if err != nil {
		return err
	}

	if preload {
		if err := streamer.RequestLoad(world.Overworld(), 1); err != nil {
			logging.Warn("⚠️ Поверхность не загружена: %v", err)
		}
	}

	logging.Info("🧊 Движок запущен: бюджет %d МБ, такт %v, хранилище %s, шина %s",
		streamCfg.Budget/streaming.MiB, cfg.Server.Tick(), cfg.Storage.Backend, cfg.EventBus.Backend)
	logging.Info("   🌐 API: http://localhost:%d/api/v1/worlds", cfg.Server.GetRESTPort())
	logging.Info("   🔌 События: ws://localhost:%d/api/v1/events", cfg.Server.GetRESTPort())
	logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Server.GetRESTPort())

	// === ЖИЗНЕННЫЙ ЦИКЛ ===
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx, cfg.Server.Tick()) })
	g.Go(func() error { return busListener.Run(gctx) })
	g.Go(func() error { return exporter.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logging.Info("📡 Завершение работы, сохранение миров...")

	// Run уже вернулся: мутировать миры больше некому
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := streamer.Shutdown(saveCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("сохранение миров: %w", err))
	}
	return runErr
}
