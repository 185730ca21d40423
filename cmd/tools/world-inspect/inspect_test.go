package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-engine/internal/engine"
	"github.com/annel0/voxel-engine/internal/eventbus"
	"github.com/annel0/voxel-engine/internal/storage"
	"github.com/annel0/voxel-engine/internal/streaming"
	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

func compressedBase(t *testing.T, owner string) *streaming.CompressedWorld {
	t.Helper()
	w := world.New(world.UndergroundBase(owner), world.Options{
		Dimensions: world.Dimensions{Side: 8, BaseHeight: 16, Tiers: 3, VoxelSize: 1},
		Generator:  world.NewBaseGenerator(owner),
	})
	_, err := w.LoadChunk(world.ChunkPos{}, 0)
	require.NoError(t, err)
	_, err = w.Set(world.ChunkPos{}, vec.Vec3{X: 1, Y: 2, Z: 3}, voxel.Wood)
	require.NoError(t, err)
	w.UpsertEntity(world.Entity{ID: 9, Kind: world.EntityNPC, Position: vec.Vec3Float{X: 1, Y: 3, Z: 1}})
	cw, err := streaming.Compress(w, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return cw
}

func TestListAndInspect(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cw := compressedBase(t, "anna")
	id := world.UndergroundBase("anna")
	require.NoError(t, store.Put(ctx, streaming.WorldKey(id), cw.Bytes()))
	require.NoError(t, store.Put(ctx, streaming.QuarantineKey(id, time.Unix(5, 0)), []byte("мусор")))

	var out bytes.Buffer
	require.NoError(t, listWorlds(ctx, store, &out, ""))
	assert.Contains(t, out.String(), "world:base:anna")
	assert.Contains(t, out.String(), "Миров: 1, в карантине: 1")

	out.Reset()
	require.NoError(t, inspectWorld(ctx, store, &out, "base:anna", ""))
	assert.Contains(t, out.String(), "Чанков:        1")
	assert.Contains(t, out.String(), "Правок:        1")

	assert.Error(t, inspectWorld(ctx, store, &out, "planet", ""))
	assert.ErrorIs(t, inspectWorld(ctx, store, &out, "base:nobody", ""), storage.ErrNotFound)
}

func TestRestoreQuarantined(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	id := world.UndergroundBase("boris")
	good := streaming.QuarantineKey(id, time.Unix(1, 0))
	bad := streaming.QuarantineKey(id, time.Unix(2, 0))
	require.NoError(t, store.Put(ctx, good, compressedBase(t, "boris").Bytes()))
	require.NoError(t, store.Put(ctx, bad, []byte("VXW1-сломан")))

	var out bytes.Buffer
	assert.Error(t, restoreQuarantined(ctx, store, &out, bad), "Поврежденные данные не восстанавливаются")
	assert.Error(t, restoreQuarantined(ctx, store, &out, streaming.WorldKey(id)), "Только ключи карантина")

	require.NoError(t, restoreQuarantined(ctx, store, &out, good))
	_, err := store.Get(ctx, streaming.WorldKey(id))
	assert.NoError(t, err, "Мир вернулся на место")
	_, err = store.Get(ctx, good)
	assert.ErrorIs(t, err, storage.ErrNotFound, "Запись карантина удалена")

	require.NoError(t, dropKey(ctx, store, &out, bad))
	assert.Error(t, dropKey(ctx, store, &out, ""))
}

func TestFormatEnvelope(t *testing.T) {
	ev := eventbus.NewEnvelope("node", eventbus.TypeStreaming, eventbus.HighPriority,
		[]byte(`{"world":"base:anna","kind":"failed","error":"мир недоступен"}`))
	assert.Contains(t, formatEnvelope(ev), "base:anna → failed: мир недоступен")

	ev = eventbus.NewEnvelope("node", eventbus.TypeWorldMemory, 1, []byte(`{"world":"overworld","bytes":42}`))
	assert.Contains(t, formatEnvelope(ev), "overworld: 42 байт")

	payload, err := json.Marshal(engine.MeshReadyPayload{World: "mission:4", ChunkX: -1, ChunkZ: 2, Triangles: 12})
	require.NoError(t, err)
	ev = eventbus.NewEnvelope("node", eventbus.TypeMeshReady, 1, payload)
	assert.Contains(t, formatEnvelope(ev), "mission:4 (-1,2): 12 треугольников")

	ev = eventbus.NewEnvelope("node", "Unknown", 1, []byte("xyz"))
	assert.Contains(t, formatEnvelope(ev), "3 байт")
}

func TestParseStringList(t *testing.T) {
	assert.Nil(t, parseStringList(""))
	assert.Equal(t, []string{"a", "b"}, parseStringList(" a, ,b "))
}
