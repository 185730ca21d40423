package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

var t0 = time.Unix(0, 1_700_000_000_000_000_000)

func change(id world.WorldID, x int, t voxel.Type) VoxelChange {
	return VoxelChange{World: id, Chunk: world.ChunkPos{X: -3, Z: 2}, Local: vec.Vec3{X: x, Y: 100, Z: 1}, NewType: t}
}

func TestBatcherCoalescesPerCell(t *testing.T) {
	b := NewChangeBatcher(0, 0)
	assert.Equal(t, DefaultWindow, b.Window())
	over := world.Overworld()
	base := world.UndergroundBase("ivan")

	b.Add(change(over, 1, voxel.Air), t0)
	b.Add(change(base, 1, voxel.Wood), t0.Add(10*time.Millisecond))
	b.Add(change(over, 2, voxel.Air), t0.Add(20*time.Millisecond))
	b.Add(change(over, 1, voxel.Metal), t0.Add(30*time.Millisecond))

	_, ok := b.Flush(t0.Add(99*time.Millisecond), false)
	assert.False(t, ok, "Окно еще не истекло")
	assert.Equal(t, 3, b.Pending())

	batch, ok := b.Flush(t0.Add(100*time.Millisecond), false)
	require.True(t, ok)
	assert.Equal(t, t0, batch.Start)
	assert.Equal(t, []VoxelChange{
		change(over, 1, voxel.Metal),
		change(base, 1, voxel.Wood),
		change(over, 2, voxel.Air),
	}, batch.Changes, "Одна запись на ячейку с итоговым типом, порядок первого изменения")

	assert.Zero(t, b.Pending())
	_, ok = b.Flush(t0.Add(time.Second), true)
	assert.False(t, ok, "Пустой пакет не отдается")
	assert.Equal(t, uint64(1), b.GetStats()["coalesced"])
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	b := NewChangeBatcher(time.Second, 2)
	id := world.MissionWorld(4)
	assert.False(t, b.Add(change(id, 1, voxel.Air), t0))
	assert.True(t, b.Add(change(id, 2, voxel.Air), t0), "Лимит ячеек достигнут")

	batch, ok := b.Flush(t0, false)
	require.True(t, ok, "Полный пакет отдается до конца окна")
	assert.Equal(t, 2, batch.Len())
}

func TestBatcherDropWorld(t *testing.T) {
	b := NewChangeBatcher(time.Second, 0)
	keep := world.Overworld()
	drop := world.MissionWorld(1)
	b.Add(change(drop, 1, voxel.Air), t0)
	b.Add(change(keep, 1, voxel.Air), t0)
	b.Add(change(drop, 2, voxel.Air), t0)

	assert.Equal(t, 2, b.DropWorld(drop))
	batch, ok := b.Flush(t0, true)
	require.True(t, ok)
	assert.Equal(t, []VoxelChange{change(keep, 1, voxel.Air)}, batch.Changes)
}

func sampleBatch() VoxelChangeBatch {
	batch := VoxelChangeBatch{Start: t0, End: t0.Add(100 * time.Millisecond)}
	ids := []world.WorldID{world.Overworld(), world.UndergroundBase("жанна"), world.MissionWorld(-99)}
	for i := 0; i < 300; i++ {
		batch.Changes = append(batch.Changes, VoxelChange{
			World:   ids[i%len(ids)],
			Chunk:   world.ChunkPos{X: i - 150, Z: -i},
			Local:   vec.Vec3{X: i % 32, Y: i * 7 % 2048, Z: (i * 3) % 32},
			NewType: voxel.Type(i % voxel.Count),
		})
	}
	return batch
}

func TestCompressorsRoundTrip(t *testing.T) {
	batch := sampleBatch()
	raw, err := NewRawCompressor().Compress(batch)
	require.NoError(t, err)

	for _, name := range []string{CodecRaw, CodecGzip, CodecZstd} {
		t.Run(name, func(t *testing.T) {
			comp, err := NewCompressor(name)
			require.NoError(t, err)
			assert.Equal(t, name, comp.Name())

			payload, err := comp.Compress(batch)
			require.NoError(t, err)
			if name != CodecRaw {
				assert.Less(t, len(payload), len(raw), "Сжатие должно уменьшать пакет")
			}

			got, err := comp.Decompress(payload)
			require.NoError(t, err)
			assert.True(t, batch.Start.Equal(got.Start))
			assert.True(t, batch.End.Equal(got.End))
			assert.Equal(t, batch.Changes, got.Changes)
		})
	}

	_, err = NewCompressor("lz4")
	assert.Error(t, err)
}

func TestRawDecompressRejectsMalformed(t *testing.T) {
	payload, err := NewRawCompressor().Compress(sampleBatch())
	require.NoError(t, err)
	comp := NewRawCompressor()

	_, err = comp.Decompress(payload[:len(payload)-1])
	assert.ErrorIs(t, err, ErrMalformedBatch, "Обрезанный пакет")

	_, err = comp.Decompress(append(append([]byte(nil), payload...), 0))
	assert.ErrorIs(t, err, ErrMalformedBatch, "Лишние байты")

	bad := append([]byte(nil), payload...)
	bad[len(bad)-1] = 0xEE
	_, err = comp.Decompress(bad)
	assert.ErrorIs(t, err, ErrMalformedBatch, "Неизвестный тип вокселя")

	_, err = comp.Decompress([]byte{9})
	assert.ErrorIs(t, err, ErrMalformedBatch, "Неизвестная версия")

	_, err = NewGzipCompressor().Decompress([]byte("not gzip"))
	assert.ErrorIs(t, err, ErrMalformedBatch)
}

func TestPublisherConsumerOverBus(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	ctx := context.Background()

	type received struct {
		source string
		batch  VoxelChangeBatch
	}
	got := make(chan received, 4)
	consumer, err := NewConsumer(ctx, bus, func(_ context.Context, source string, batch VoxelChangeBatch) {
		got <- received{source, batch}
	}, "node-a")
	require.NoError(t, err)
	defer consumer.Stop()

	zstd, err := NewZstdCompressor()
	require.NoError(t, err)
	pubA := NewPublisher(bus, "node-a", zstd)
	pubB := NewPublisher(bus, "node-b", nil)

	batch := sampleBatch()
	require.NoError(t, pubB.PublishBatch(ctx, batch))
	require.NoError(t, pubA.PublishBatch(ctx, batch))
	require.NoError(t, bus.Close())

	require.Len(t, got, 1, "Фильтр по источнику")
	r := <-got
	assert.Equal(t, "node-a", r.source)
	assert.Equal(t, batch.Changes, r.batch.Changes)
	assert.Equal(t, uint64(1), pubA.GetStats()["published"])
	assert.Equal(t, CodecRaw, pubB.GetStats()["codec"])
}
