package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/middleware"
	"github.com/annel0/voxel-engine/internal/streaming"
	"github.com/annel0/voxel-engine/internal/world"
)

// commandTimeout ограничивает ожидание обработчиком выполнения команды в потоке симуляции
const commandTimeout = 5 * time.Second

// StatsProvider отдает дополнительную статистику для /api/v1/stats
type StatsProvider func() map[string]interface{}

// RestServer обслуживает диагностический HTTP API движка
type RestServer struct {
	router  *gin.Engine
	engine  *engine.Engine
	port    string
	metrics *ServerMetrics
	stats   map[string]StatsProvider
	events  *EventStream
	server  *http.Server
	logger  *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port     string               // порт для запуска сервера
	Engine   *engine.Engine       // движок
	Registry *prometheus.Registry // реестр метрик для /metrics
	// Stats добавляет разделы /api/v1/stats (шина, пул, хранилище)
	Stats map[string]StatsProvider
	// Events обслуживает /api/v1/events и должен быть слушателем движка
	Events *EventStream
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WorldStatusResponse описывает состояние мира в ответах API
type WorldStatusResponse struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	Unavailable     bool      `json:"unavailable"`
	Bytes           int64     `json:"bytes"`
	Reservation     int64     `json:"reservation"`
	Charged         int64     `json:"charged"`
	CompressedBytes int       `json:"compressed_bytes"`
	Players         int       `json:"players"`
	Chunks          int       `json:"chunks"`
	LastAccess      time.Time `json:"last_access"`
	LastError       string    `json:"last_error,omitempty"`
}

// ChunkResponse содержит сводку по чанку мира
type ChunkResponse struct {
	X         int    `json:"x"`
	Z         int    `json:"z"`
	Tier      int    `json:"tier"`
	Storage   string `json:"storage"`
	Bytes     int64  `json:"bytes"`
	Dirty     bool   `json:"dirty"`
	Triangles int    `json:"triangles"`
	Degraded  bool   `json:"degraded"`
}

// NewRestServer создает диагностический API
func NewRestServer(config Config) (*RestServer, error) {
	if config.Engine == nil {
		return nil, errors.New("REST серверу нужен движок")
	}
	if config.Port == "" {
		config.Port = ":8088"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Events == nil {
		config.Events = NewEventStream()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware("voxel_api"))
	router.Use(middleware.NewRequestLogger().Handler())
	promMw, err := middleware.NewPrometheusMiddleware("voxel_api", config.Registry)
	if err != nil {
		return nil, fmt.Errorf("метрики HTTP: %w", err)
	}
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Registry)

	rs := &RestServer{
		router:  router,
		engine:  config.Engine,
		port:    config.Port,
		metrics: NewServerMetrics(),
		stats:   config.Stats,
		events:  config.Events,
		logger:  logging.GetComponentLogger("api"),
	}
	rs.setupRoutes()
	rs.server = &http.Server{
		Addr:              rs.port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return rs, nil
}

// Handler возвращает http.Handler (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler { return rs.router }

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	v1 := rs.router.Group("/api/v1")
	{
		v1.GET("/stats", rs.handleStats)
		v1.GET("/worlds", rs.handleWorlds)
		v1.GET("/worlds/:id", rs.handleWorld)
		v1.POST("/worlds/:id/load", rs.handleLoad)
		v1.POST("/worlds/:id/unload", rs.handleUnload)
		v1.POST("/worlds/:id/reset", rs.handleReset)
		v1.GET("/events", rs.events.handle)
	}
}

func statusResponse(st streaming.WorldStatus) WorldStatusResponse {
	return WorldStatusResponse{
		ID:              st.ID.String(),
		Kind:            st.ID.Kind.String(),
		State:           st.State.String(),
		Unavailable:     st.Unavailable,
		Bytes:           st.Bytes,
		Reservation:     st.Reservation,
		Charged:         st.Charged,
		CompressedBytes: st.CompressedBytes,
		Players:         st.Players,
		Chunks:          st.Chunks,
		LastAccess:      st.LastAccess,
		LastError:       st.LastError,
	}
}

func (rs *RestServer) fail(c *gin.Context, status int, message string) {
	c.JSON(status, GenericResponse{Success: false, Message: message})
}

// errorStatus переводит ошибку движка в HTTP статус
func errorStatus(err error) int {
	switch {
	case errors.Is(err, world.ErrInvalidWorldID):
		return http.StatusBadRequest
	case errors.Is(err, streaming.ErrWorldUnavailable):
		return http.StatusConflict
	case errors.Is(err, streaming.ErrBudgetExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (rs *RestServer) worldID(c *gin.Context) (world.WorldID, bool) {
	id, err := world.ParseWorldID(c.Param("id"))
	if err != nil {
		rs.fail(c, http.StatusBadRequest, err.Error())
		return world.WorldID{}, false
	}
	return id, true
}

// do выполняет команду в потоке симуляции с таймаутом запроса
func (rs *RestServer) do(c *gin.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	return rs.engine.Do(ctx, fn)
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
		"uptime": rs.metrics.GetUptime(),
	})
}

func (rs *RestServer) handleStats(c *gin.Context) {
	stats := map[string]interface{}{
		"engine": rs.engine.GetStats(),
	}
	for name, provider := range rs.stats {
		stats[name] = provider()
	}

	memoryMB, _ := rs.metrics.GetMemoryUsage()
	cpuPercent, _ := rs.metrics.GetCPUUsage()
	stats["server"] = map[string]interface{}{
		"uptime":      rs.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.2f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
		"memory":      rs.metrics.GetDetailedMemoryStats(),
	}

	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика получена", Data: stats})
}

func (rs *RestServer) handleWorlds(c *gin.Context) {
	snapshot := rs.engine.Streaming().Snapshot()
	worlds := make([]WorldStatusResponse, 0, len(snapshot))
	for _, st := range snapshot {
		worlds = append(worlds, statusResponse(st))
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список миров получен",
		Data: map[string]interface{}{
			"worlds": worlds,
			"total":  len(worlds),
			"usage":  rs.engine.Streaming().Usage(),
			"budget": rs.engine.Streaming().Budget(),
		},
	})
}

func (rs *RestServer) handleWorld(c *gin.Context) {
	id, ok := rs.worldID(c)
	if !ok {
		return
	}

	var status *WorldStatusResponse
	for _, st := range rs.engine.Streaming().Snapshot() {
		if st.ID == id {
			resp := statusResponse(st)
			status = &resp
			break
		}
	}
	if status == nil {
		rs.fail(c, http.StatusNotFound, fmt.Sprintf("Мир %s неизвестен", id))
		return
	}

	var chunks []ChunkResponse
	err := rs.do(c, func() error {
		w, ok := rs.engine.Streaming().World(id)
		if !ok {
			return nil
		}
		for _, info := range w.ChunkStats() {
			chunks = append(chunks, ChunkResponse{
				X:         info.Pos.X,
				Z:         info.Pos.Z,
				Tier:      int(info.Tier),
				Storage:   info.Storage.String(),
				Bytes:     info.Bytes,
				Dirty:     info.Dirty,
				Triangles: info.Triangles,
				Degraded:  info.Degraded,
			})
		}
		return nil
	})
	if err != nil {
		rs.fail(c, errorStatus(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Мир найден",
		Data:    map[string]interface{}{"world": status, "chunks": chunks},
	})
}

func (rs *RestServer) handleLoad(c *gin.Context) {
	id, ok := rs.worldID(c)
	if !ok {
		return
	}
	priority := 0
	if p := c.Query("priority"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil {
			rs.fail(c, http.StatusBadRequest, "Некорректный приоритет")
			return
		}
		priority = v
	}

	if err := rs.do(c, func() error { return rs.engine.Streaming().RequestLoad(id, priority) }); err != nil {
		rs.fail(c, errorStatus(err), err.Error())
		return
	}
	rs.logger.Info("Запрошена загрузка мира %s (приоритет %d)", id, priority)
	c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Загрузка запрошена"})
}

func (rs *RestServer) handleUnload(c *gin.Context) {
	id, ok := rs.worldID(c)
	if !ok {
		return
	}
	if err := rs.do(c, func() error { return rs.engine.Streaming().Unload(id) }); err != nil {
		rs.fail(c, errorStatus(err), err.Error())
		return
	}
	rs.logger.Info("Запрошена выгрузка мира %s", id)
	c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Выгрузка запрошена"})
}

func (rs *RestServer) handleReset(c *gin.Context) {
	id, ok := rs.worldID(c)
	if !ok {
		return
	}
	if !rs.engine.Streaming().ResetUnavailable(id) {
		rs.fail(c, http.StatusNotFound, fmt.Sprintf("Мир %s не помечен недоступным", id))
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Мир снова доступен"})
}

// Start запускает REST сервер и блокируется до Shutdown
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 Диагностический API слушает %s", rs.port)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов
func (rs *RestServer) Shutdown(ctx context.Context) error {
	// Shutdown не ждет перехваченные websocket-соединения
	rs.events.Close()
	return rs.server.Shutdown(ctx)
}
