package sync

import (
	"context"
	"sync"

	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/logging"
)

// BatchHandler получает декодированный пакет и имя узла-источника
type BatchHandler func(ctx context.Context, source string, batch VoxelChangeBatch)

// Consumer слушает пакеты изменений в шине и декодирует их кодеком из метаданных.
type Consumer struct {
	sub     eventbus.Subscription
	handler BatchHandler

	mu     sync.Mutex
	codecs map[string]DeltaCompressor
}

// NewConsumer подписывается на пакеты изменений. sources ограничивает узлы-источники.
func NewConsumer(ctx context.Context, bus eventbus.EventBus, handler BatchHandler, sources ...string) (*Consumer, error) {
	c := &Consumer{handler: handler, codecs: make(map[string]DeltaCompressor)}
	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []string{eventbus.TypeVoxelBatch}, Sources: sources}, c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (c *Consumer) codec(name string) (DeltaCompressor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.codecs[name]; ok {
		return comp, nil
	}
	comp, err := NewCompressor(name)
	if err != nil {
		return nil, err
	}
	c.codecs[name] = comp
	return comp, nil
}

func (c *Consumer) handle(ctx context.Context, ev *eventbus.Envelope) {
	comp, err := c.codec(ev.Metadata["codec"])
	if err != nil {
		logging.Warn("Consumer: событие %s от %s: %v", ev.ID, ev.Source, err)
		return
	}
	batch, err := comp.Decompress(ev.Payload)
	if err != nil {
		logging.Warn("Consumer: ошибка декодирования %s от %s: %v", ev.ID, ev.Source, err)
		return
	}
	logging.Debug("Consumer: %d изменений (%d байт, %s) от %s", batch.Len(), len(ev.Payload), comp.Name(), ev.Source)
	c.handler(ctx, ev.Source, batch)
}

// Stop отменяет подписку
func (c *Consumer) Stop() { c.sub.Unsubscribe() }
