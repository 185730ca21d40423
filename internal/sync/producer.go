package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/annel0/voxel-engine/internal/eventbus"
)

// Publisher кодирует пакеты изменений и публикует их в шину событий.
type Publisher struct {
	bus        eventbus.EventBus
	source     string
	compressor DeltaCompressor

	published atomic.Uint64
	bytes     atomic.Uint64
}

// NewPublisher создает публикатор; по умолчанию compressor raw
func NewPublisher(bus eventbus.EventBus, source string, compressor DeltaCompressor) *Publisher {
	if compressor == nil {
		compressor = NewRawCompressor()
	}
	return &Publisher{bus: bus, source: source, compressor: compressor}
}

// PublishBatch отправляет пакет одним событием
func (p *Publisher) PublishBatch(ctx context.Context, batch VoxelChangeBatch) error {
	payload, err := p.compressor.Compress(batch)
	if err != nil {
		return fmt.Errorf("кодирование пакета изменений: %w", err)
	}

	env := eventbus.NewEnvelope(p.source, eventbus.TypeVoxelBatch, eventbus.HighPriority, payload)
	env.Metadata["codec"] = p.compressor.Name()
	env.Metadata["changes"] = strconv.Itoa(batch.Len())
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("публикация пакета изменений: %w", err)
	}
	p.published.Add(1)
	p.bytes.Add(uint64(len(payload)))
	return nil
}

// GetStats возвращает статистику публикатора
func (p *Publisher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"codec":     p.compressor.Name(),
		"published": p.published.Load(),
		"bytes":     p.bytes.Load(),
	}
}
