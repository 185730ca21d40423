package api

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/logging"
	"github.com/annel0/voxel-engine/internal/streaming"
	vsync "github.com/annel0/voxel-engine/internal/sync"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 256
)

// StreamMessage описывает сообщение websocket-потока событий
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ChangeBatchSummary содержит сводку пакета изменений для диагностического потока
type ChangeBatchSummary struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Changes int       `json:"changes"`
	Worlds  []string  `json:"worlds"`
}

type subscriber struct {
	ch    chan StreamMessage
	types map[string]bool
}

func (s *subscriber) wants(t string) bool { return len(s.types) == 0 || s.types[t] }

// EventStream слушает движок и раздает события websocket-клиентам.
// Медленный клиент теряет сообщения, поток симуляции не ждет.
type EventStream struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
	done     chan struct{}
	once     sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
	logger  *logging.Logger
}

var _ engine.Listener = (*EventStream)(nil)

// NewEventStream создает поток без подписчиков
func NewEventStream() *EventStream {
	return &EventStream{
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Диагностический API не проверяет Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.GetComponentLogger("api"),
	}
}

func (es *EventStream) broadcast(msg StreamMessage) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	for s := range es.subs {
		if !s.wants(msg.Type) {
			continue
		}
		select {
		case s.ch <- msg:
			es.sent.Add(1)
		default:
			es.dropped.Add(1)
		}
	}
}

// OnStreamingEvent раздает смену состояния мира
func (es *EventStream) OnStreamingEvent(ev streaming.Event) {
	es.broadcast(StreamMessage{Type: eventbus.TypeStreaming, Data: engine.NewStreamingPayload(ev)})
}

// OnWorldMemory раздает потребление памяти мира
func (es *EventStream) OnWorldMemory(st engine.WorldMemoryStats) {
	es.broadcast(StreamMessage{
		Type: eventbus.TypeWorldMemory,
		Data: engine.WorldMemoryPayload{World: st.World.String(), Bytes: st.Bytes},
	})
}

// OnChunkMeshReady раздает сводку по мешу
func (es *EventStream) OnChunkMeshReady(ev engine.ChunkMeshReady) {
	es.broadcast(StreamMessage{Type: eventbus.TypeMeshReady, Data: engine.NewMeshReadyPayload(ev)})
}

// OnVoxelChanges раздает сводку пакета (сами ячейки идут через шину)
func (es *EventStream) OnVoxelChanges(batch vsync.VoxelChangeBatch) {
	seen := make(map[string]bool)
	worlds := make([]string, 0, 1)
	for _, ch := range batch.Changes {
		id := ch.World.String()
		if !seen[id] {
			seen[id] = true
			worlds = append(worlds, id)
		}
	}
	es.broadcast(StreamMessage{
		Type: eventbus.TypeVoxelBatch,
		Data: ChangeBatchSummary{Start: batch.Start, End: batch.End, Changes: batch.Len(), Worlds: worlds},
	})
}

func (es *EventStream) subscribe(types []string) *subscriber {
	s := &subscriber{ch: make(chan StreamMessage, streamBuffer), types: make(map[string]bool)}
	for _, t := range types {
		s.types[t] = true
	}
	es.mu.Lock()
	es.subs[s] = struct{}{}
	es.mu.Unlock()
	return s
}

func (es *EventStream) unsubscribe(s *subscriber) {
	es.mu.Lock()
	delete(es.subs, s)
	es.mu.Unlock()
}

// Close отключает всех клиентов; новые подключения сразу закрываются
func (es *EventStream) Close() {
	es.once.Do(func() { close(es.done) })
}

// Subscribers возвращает число подключенных клиентов
func (es *EventStream) Subscribers() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.subs)
}

// GetStats возвращает статистику потока
func (es *EventStream) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"subscribers": es.Subscribers(),
		"sent":        es.sent.Load(),
		"dropped":     es.dropped.Load(),
	}
}

// handle обслуживает GET /api/v1/events?types=StreamingEvent,WorldMemoryStats
func (es *EventStream) handle(c *gin.Context) {
	conn, err := es.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		es.logger.Warn("⚠️ websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	var types []string
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	sub := es.subscribe(types)
	defer es.unsubscribe(sub)
	es.logger.Info("🔌 Клиент потока событий подключен: %s", c.Request.RemoteAddr)

	// Чтение нужно только для обнаружения закрытия
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		case <-es.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
			return
		}
	}
}
