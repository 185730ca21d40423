package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"github.com/annel0/voxel-engine/internal/lod"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/mesh"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
	"github.com/annel0/voxel-engine/internal/world"
)

// EnvConfigPath задает переменную окружения с путем к YAML конфигурации
const EnvConfigPath = "VOXEL_CONFIG"

// Config корневая структура конфигурации движка.
type Config struct {
	Voxel     VoxelConfig     `yaml:"voxel"`
	LOD       LODConfig       `yaml:"lod"`
	Streaming StreamingConfig `yaml:"streaming"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// VoxelConfig описывает размеры чанков
type VoxelConfig struct {
	ChunkSide       int     `yaml:"chunk_side"`
	BaseHeight      int     `yaml:"base_height"`
	Tiers           int     `yaml:"tiers"`
	VoxelSize       float64 `yaml:"voxel_size"`
	SparseThreshold float64 `yaml:"sparse_threshold"`
}

type LODConfig struct {
	Thresholds        []float64 `yaml:"thresholds"`
	Hysteresis        float64   `yaml:"hysteresis"`
	UpdateIntervalMs  int       `yaml:"update_interval_ms"`
	Use3D             bool      `yaml:"use_3d"`
	ViewRadius        int       `yaml:"view_radius"`
	UnloadRadius      int       `yaml:"unload_radius"`
	MaxLoadsPerUpdate int       `yaml:"max_loads_per_update"`
}

// StreamingConfig задает бюджет памяти и оценки размеров миров.
// BudgetMB = 0 означает долю BudgetFraction физической памяти.
type StreamingConfig struct {
	BudgetMB            int64   `yaml:"budget_mb"`
	BudgetFraction      float64 `yaml:"budget_fraction"`
	MaxConcurrentLoads  int     `yaml:"max_concurrent_loads"`
	MissionEstimateMB   int64   `yaml:"mission_estimate_mb"`
	BaseEstimateMB      int64   `yaml:"base_estimate_mb"`
	OverworldEstimateMB int64   `yaml:"overworld_estimate_mb"`
	OverworldSeed       int64   `yaml:"overworld_seed"`
}

type MeshConfig struct {
	SmoothTerrain  bool    `yaml:"smooth_terrain"`
	Regularization float64 `yaml:"regularization"`
	Workers        int     `yaml:"workers"`
}

type SyncConfig struct {
	NodeID   string `yaml:"node_id"`
	WindowMs int    `yaml:"window_ms"`
	Capacity int    `yaml:"capacity"`
	Codec    string `yaml:"codec"`
}

// StorageConfig выбирает хранилище сжатых миров: memory, badger, leveldb, sqlite, redis или tiered (redis + badger)
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// EventBusConfig выбирает шину событий: memory или nats
type EventBusConfig struct {
	Backend   string `yaml:"backend"`
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Capacity  int    `yaml:"capacity"`
}

type ServerConfig struct {
	TickMs          int `yaml:"tick_ms"`
	StatsIntervalMs int `yaml:"stats_interval_ms"`
	RESTPort        int `yaml:"rest_port"`
	MetricsPort     int `yaml:"metrics_port"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	dims := world.DefaultDimensions()
	lodCfg := lod.DefaultConfig()
	return &Config{
		Voxel: VoxelConfig{
			ChunkSide:       dims.Side,
			BaseHeight:      dims.BaseHeight,
			Tiers:           dims.Tiers,
			VoxelSize:       dims.VoxelSize,
			SparseThreshold: 0.05,
		},
		LOD: LODConfig{
			Thresholds:        lodCfg.Thresholds,
			Hysteresis:        lodCfg.Hysteresis,
			UpdateIntervalMs:  int(lodCfg.UpdateInterval / time.Millisecond),
			ViewRadius:        lodCfg.ViewRadius,
			UnloadRadius:      lodCfg.UnloadRadius,
			MaxLoadsPerUpdate: lodCfg.MaxLoadsPerUpdate,
		},
		Streaming: StreamingConfig{
			BudgetFraction:      0.5,
			MaxConcurrentLoads:  2,
			MissionEstimateMB:   512,
			BaseEstimateMB:      256,
			OverworldEstimateMB: 1024,
		},
		Mesh: MeshConfig{SmoothTerrain: true, Regularization: 0.05},
		Sync: SyncConfig{
			NodeID:   "voxel-node",
			WindowMs: int(vsync.DefaultWindow / time.Millisecond),
			Capacity: vsync.DefaultCapacity,
			Codec:    vsync.CodecZstd,
		},
		Storage:   StorageConfig{Backend: "memory", Path: "data"},
		EventBus:  EventBusConfig{Backend: "memory", Stream: "VOXEL", Retention: 24, Capacity: 1024},
		Server:    ServerConfig{TickMs: 50, StatsIntervalMs: 1000},
		Telemetry: TelemetryConfig{ServiceName: "voxel-engine", LogLevel: "info"},
	}
}

// Load читает YAML (или TOML по расширению .toml) поверх значений по умолчанию.
// Если path == "", используется VOXEL_CONFIG; без него возвращаются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode проверяет документ по схеме и накладывает его на cfg. TOML переводится
// в дерево и перекладывается через YAML, чтобы действовали те же теги и значения по умолчанию.
func decode(path string, data []byte, cfg *Config) error {
	var doc interface{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return err
		}
		m := tree.ToMap()
		doc = m
		if data, err = yaml.Marshal(m); err != nil {
			return err
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}

	if err := validateDocument(doc); err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Normalize заполняет пропущенные значения
func (c *Config) Normalize() {
	def := Default()
	if c.Voxel.ChunkSide == 0 {
		c.Voxel.ChunkSide = def.Voxel.ChunkSide
	}
	if c.Voxel.BaseHeight == 0 {
		c.Voxel.BaseHeight = def.Voxel.BaseHeight
	}
	if c.Voxel.Tiers == 0 {
		c.Voxel.Tiers = def.Voxel.Tiers
	}
	if c.Voxel.VoxelSize == 0 {
		c.Voxel.VoxelSize = def.Voxel.VoxelSize
	}
	if len(c.LOD.Thresholds) == 0 {
		c.LOD.Thresholds = def.LOD.Thresholds
	}
	if c.LOD.UnloadRadius < c.LOD.ViewRadius {
		c.LOD.UnloadRadius = c.LOD.ViewRadius
	}
	// При 0 чанки не выгружаются по дистанции
	if c.LOD.UnloadRadius > 0 {
		if floor := c.LODConfig().MinUnloadRadius(c.Dimensions().ChunkMeters()); c.LOD.UnloadRadius < floor {
			c.LOD.UnloadRadius = floor
		}
	}
	if c.Streaming.BudgetFraction <= 0 || c.Streaming.BudgetFraction > 1 {
		c.Streaming.BudgetFraction = def.Streaming.BudgetFraction
	}
	if c.Streaming.MaxConcurrentLoads <= 0 {
		c.Streaming.MaxConcurrentLoads = def.Streaming.MaxConcurrentLoads
	}
	if c.Sync.WindowMs <= 0 {
		c.Sync.WindowMs = def.Sync.WindowMs
	}
	if c.Sync.Capacity <= 0 {
		c.Sync.Capacity = def.Sync.Capacity
	}
	if c.Sync.Codec == "" {
		c.Sync.Codec = def.Sync.Codec
	}
	if c.Sync.NodeID == "" {
		c.Sync.NodeID = def.Sync.NodeID
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	c.EventBus.Backend = strings.ToLower(c.EventBus.Backend)
	if c.EventBus.Backend == "" {
		c.EventBus.Backend = "memory"
	}
	if c.EventBus.Capacity <= 0 {
		c.EventBus.Capacity = def.EventBus.Capacity
	}
	if c.Server.TickMs <= 0 {
		c.Server.TickMs = def.Server.TickMs
	}
	if c.Server.StatsIntervalMs <= 0 {
		c.Server.StatsIntervalMs = def.Server.StatsIntervalMs
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

// Validate проверяет согласованность секций
func (c *Config) Validate() error {
	if err := c.Dimensions().Validate(); err != nil {
		return fmt.Errorf("voxel: %w", err)
	}
	if c.Voxel.SparseThreshold < 0 || c.Voxel.SparseThreshold >= 0.5 {
		return fmt.Errorf("voxel: порог разреженности %.3f вне диапазона [0, 0.5)", c.Voxel.SparseThreshold)
	}
	if err := c.LODConfig().Validate(); err != nil {
		return fmt.Errorf("lod: %w", err)
	}
	if c.Streaming.BudgetMB < 0 {
		return fmt.Errorf("streaming: отрицательный бюджет %d МБ", c.Streaming.BudgetMB)
	}
	if _, err := vsync.NewCompressor(c.Sync.Codec); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	switch c.Storage.Backend {
	case "memory":
	case "badger", "leveldb", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: для %s нужен path", c.Storage.Backend)
		}
	case "redis", "tiered":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage: для %s нужен redis.addr", c.Storage.Backend)
		}
		if c.Storage.Backend == "tiered" && c.Storage.Path == "" {
			return fmt.Errorf("storage: для tiered нужен path")
		}
	default:
		return fmt.Errorf("storage: неизвестный backend %q", c.Storage.Backend)
	}
	switch c.EventBus.Backend {
	case "memory":
	case "nats":
		if c.EventBus.URL == "" {
			return fmt.Errorf("eventbus: для nats нужен url")
		}
	default:
		return fmt.Errorf("eventbus: неизвестный backend %q", c.EventBus.Backend)
	}
	return nil
}

// Dimensions возвращает размеры чанков
func (c *Config) Dimensions() world.Dimensions {
	return world.Dimensions{
		Side:       c.Voxel.ChunkSide,
		BaseHeight: c.Voxel.BaseHeight,
		Tiers:      c.Voxel.Tiers,
		VoxelSize:  c.Voxel.VoxelSize,
	}
}

// LODConfig переводит секцию lod в параметры менеджера LOD
func (c *Config) LODConfig() lod.Config {
	return lod.Config{
		Thresholds:        c.LOD.Thresholds,
		Hysteresis:        c.LOD.Hysteresis,
		UpdateInterval:    time.Duration(c.LOD.UpdateIntervalMs) * time.Millisecond,
		Use3D:             c.LOD.Use3D,
		ViewRadius:        c.LOD.ViewRadius,
		UnloadRadius:      c.LOD.UnloadRadius,
		MaxLoadsPerUpdate: c.LOD.MaxLoadsPerUpdate,
	}
}

// StreamingConfig переводит секцию streaming в параметры менеджера стриминга
func (c *Config) StreamingConfig() streaming.Config {
	return streaming.Config{
		Budget:             c.Budget(),
		MaxConcurrentLoads: c.Streaming.MaxConcurrentLoads,
		Estimates: map[world.Kind]int64{
			world.KindMission:   c.Streaming.MissionEstimateMB * streaming.MiB,
			world.KindBase:      c.Streaming.BaseEstimateMB * streaming.MiB,
			world.KindOverworld: c.Streaming.OverworldEstimateMB * streaming.MiB,
		},
		Dimensions:      c.Dimensions(),
		SparseThreshold: c.Voxel.SparseThreshold,
		OverworldSeed:   c.Streaming.OverworldSeed,
	}
}

// Budget возвращает бюджет памяти в байтах. Без явного значения берется доля физической памяти.
func (c *Config) Budget() int64 {
	if c.Streaming.BudgetMB > 0 {
		return c.Streaming.BudgetMB * streaming.MiB
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		logging.Warn("⚠️ Не удалось определить объем памяти (%v), бюджет 4 ГиБ", err)
		return 4 * streaming.GiB
	}
	return int64(float64(vm.Total) * c.Streaming.BudgetFraction)
}

// MeshOptions возвращает параметры построения мешей
func (c *Config) MeshOptions() mesh.Options {
	return mesh.Options{SmoothTerrain: c.Mesh.SmoothTerrain, Regularization: c.Mesh.Regularization}
}

// Window возвращает окно склейки изменений
func (s SyncConfig) Window() time.Duration {
	return time.Duration(s.WindowMs) * time.Millisecond
}

// Tick возвращает период такта симуляции
func (s ServerConfig) Tick() time.Duration {
	return time.Duration(s.TickMs) * time.Millisecond
}

// StatsInterval возвращает период рассылки статистики памяти
func (s ServerConfig) StatsInterval() time.Duration {
	return time.Duration(s.StatsIntervalMs) * time.Millisecond
}

// GetRESTPort возвращает порт диагностического API с поддержкой fallback значений
func (s ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "VOXEL_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus метрик с поддержкой fallback значений
func (s ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "VOXEL_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}
