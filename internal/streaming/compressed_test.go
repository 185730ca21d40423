package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-engine/internal/world"
)

func buildCompressible(t *testing.T) *world.World {
	t.Helper()
	w := world.New(world.UndergroundBase("henry"), world.Options{
		Dimensions: testDims(),
		Generator:  world.NewBaseGenerator("henry"),
		Now:        time.Unix(1700000000, 0),
	})
	editBase(t, w)
	return w
}

func TestCompressRoundTrip(t *testing.T) {
	w := buildCompressible(t)
	now := time.Unix(1700000500, 0)

	cw, err := Compress(w, now)
	require.NoError(t, err)
	assert.Equal(t, w.ID, cw.ID)
	assert.Equal(t, 2, cw.Chunks)
	assert.Equal(t, w.MemoryBytes(), cw.MemoryBytes)
	assert.Equal(t, now, cw.CompressedAt)
	assert.Equal(t, w.CreatedAt(), cw.CreatedAt)
	assert.Less(t, cw.Ratio(), 1.0, "Однородные чанки должны сжиматься")

	parsed, err := ParseCompressed(cw.Bytes())
	require.NoError(t, err)
	assert.Equal(t, cw.Metadata, parsed.Metadata)

	restored, err := parsed.Decompress(world.Options{Generator: world.NewBaseGenerator("henry")})
	require.NoError(t, err)
	assert.Equal(t, w.EncodeChunks(), restored.EncodeChunks())
	assert.Equal(t, w.EncodeState(), restored.EncodeState())
	assert.Equal(t, w.MemoryBytes(), restored.MemoryBytes())
	assertBaseEdits(t, restored)
}

func TestCompressIsDeterministic(t *testing.T) {
	w := buildCompressible(t)
	now := time.Unix(1700000500, 0)
	a, err := Compress(w, now)
	require.NoError(t, err)
	b, err := Compress(w, now)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestParseCompressedRejectsDamage(t *testing.T) {
	cw, err := Compress(buildCompressible(t), time.Unix(1700000500, 0))
	require.NoError(t, err)
	data := cw.Bytes()

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0x40
	_, err = ParseCompressed(flipped)
	assert.ErrorIs(t, err, world.ErrCorruptData, "Порча середины ловится контрольной суммой")

	_, err = ParseCompressed(data[:len(data)-3])
	assert.Error(t, err, "Обрезанные данные")

	badMagic := append([]byte("XXXX"), data[4:]...)
	_, err = ParseCompressed(badMagic)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseCompressed(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
