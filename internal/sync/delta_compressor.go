package sync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/annel0/voxel-engine/internal/vec"
	"github.com/annel0/voxel-engine/internal/voxel"
	"github.com/annel0/voxel-engine/internal/world"
)

// Имена кодеков, передаются в метаданных события
const (
	CodecRaw  = "raw"
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

const batchFormatVersion = 1

// ErrMalformedBatch возвращается, если пакет изменений не декодируется
var ErrMalformedBatch = errors.New("некорректный пакет изменений")

// DeltaCompressor кодирует/декодирует пакет изменений в компактный вид.
type DeltaCompressor interface {
	Name() string
	Compress(batch VoxelChangeBatch) ([]byte, error)
	Decompress(payload []byte) (VoxelChangeBatch, error)
}

// NewCompressor возвращает кодек по имени; пустое имя означает raw
func NewCompressor(name string) (DeltaCompressor, error) {
	switch name {
	case "", CodecRaw:
		return NewRawCompressor(), nil
	case CodecGzip:
		return NewGzipCompressor(), nil
	case CodecZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("неизвестный кодек %q", name)
	}
}

// rawCompressor кодирует пакет в двоичный формат без сжатия:
// [версия][start varint][end-start varint][таблица миров][изменения]
// Координаты чанков — zigzag varint, локальные — uvarint, тип — один байт.
type rawCompressor struct{}

// NewRawCompressor создает кодек без сжатия
func NewRawCompressor() DeltaCompressor { return rawCompressor{} }

func (rawCompressor) Name() string { return CodecRaw }

func (rawCompressor) Compress(batch VoxelChangeBatch) ([]byte, error) {
	buf := make([]byte, 0, 16+len(batch.Changes)*6)
	buf = append(buf, batchFormatVersion)
	buf = binary.AppendVarint(buf, batch.Start.UnixNano())
	buf = binary.AppendVarint(buf, int64(batch.End.Sub(batch.Start)))

	index := make(map[world.WorldID]uint64)
	var ids []world.WorldID
	for _, c := range batch.Changes {
		if _, ok := index[c.World]; !ok {
			index[c.World] = uint64(len(ids))
			ids = append(ids, c.World)
		}
	}
	buf = binary.AppendUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = append(buf, byte(id.Kind))
		buf = binary.AppendVarint(buf, id.Seed)
		buf = binary.AppendUvarint(buf, uint64(len(id.Owner)))
		buf = append(buf, id.Owner...)
	}

	buf = binary.AppendUvarint(buf, uint64(len(batch.Changes)))
	for _, c := range batch.Changes {
		if c.Local.X < 0 || c.Local.Y < 0 || c.Local.Z < 0 {
			return nil, fmt.Errorf("отрицательная локальная координата %v", c.Local)
		}
		buf = binary.AppendUvarint(buf, index[c.World])
		buf = binary.AppendVarint(buf, int64(c.Chunk.X))
		buf = binary.AppendVarint(buf, int64(c.Chunk.Z))
		buf = binary.AppendUvarint(buf, uint64(c.Local.X))
		buf = binary.AppendUvarint(buf, uint64(c.Local.Y))
		buf = binary.AppendUvarint(buf, uint64(c.Local.Z))
		buf = append(buf, byte(c.NewType))
	}
	return buf, nil
}

func (rawCompressor) Decompress(payload []byte) (VoxelChangeBatch, error) {
	r := bytes.NewReader(payload)
	var failed error
	uv := func() uint64 {
		if failed != nil {
			return 0
		}
		v, err := binary.ReadUvarint(r)
		failed = err
		return v
	}
	sv := func() int64 {
		if failed != nil {
			return 0
		}
		v, err := binary.ReadVarint(r)
		failed = err
		return v
	}
	u8 := func() byte {
		if failed != nil {
			return 0
		}
		v, err := r.ReadByte()
		failed = err
		return v
	}
	malformed := func(format string, args ...interface{}) (VoxelChangeBatch, error) {
		return VoxelChangeBatch{}, fmt.Errorf("%w: %s", ErrMalformedBatch, fmt.Sprintf(format, args...))
	}

	if v := u8(); failed == nil && v != batchFormatVersion {
		return malformed("версия %d", v)
	}
	start := time.Unix(0, sv())
	batch := VoxelChangeBatch{Start: start, End: start.Add(time.Duration(sv()))}

	worlds := uv()
	if failed == nil && worlds > uint64(r.Len()) {
		return malformed("%d миров", worlds)
	}
	ids := make([]world.WorldID, 0, worlds)
	for i := uint64(0); i < worlds && failed == nil; i++ {
		id := world.WorldID{Kind: world.Kind(u8()), Seed: sv()}
		n := uv()
		if failed == nil && n > uint64(r.Len()) {
			return malformed("владелец длиной %d", n)
		}
		owner := make([]byte, n)
		if failed == nil {
			_, failed = io.ReadFull(r, owner)
		}
		id.Owner = string(owner)
		if failed == nil && !id.Valid() {
			return malformed("мир %s", id)
		}
		ids = append(ids, id)
	}

	count := uv()
	if failed == nil && count > uint64(r.Len()) {
		return malformed("%d изменений", count)
	}
	batch.Changes = make([]VoxelChange, 0, count)
	for i := uint64(0); i < count && failed == nil; i++ {
		wi := uv()
		c := VoxelChange{
			Chunk: world.ChunkPos{X: int(sv()), Z: int(sv())},
			Local: vec.Vec3{X: int(uv()), Y: int(uv()), Z: int(uv())},
		}
		t, err := voxel.Parse(u8())
		if failed != nil {
			break
		}
		if err != nil {
			return malformed("%v", err)
		}
		if wi >= uint64(len(ids)) {
			return malformed("индекс мира %d", wi)
		}
		c.World = ids[wi]
		c.NewType = t
		batch.Changes = append(batch.Changes, c)
	}
	if failed != nil {
		return malformed("%v", failed)
	}
	if r.Len() != 0 {
		return malformed("лишние %d байт", r.Len())
	}
	return batch, nil
}

// gzipCompressor применяет gzip к двоичному формату
type gzipCompressor struct{}

// NewGzipCompressor создает gzip-кодек
func NewGzipCompressor() DeltaCompressor { return gzipCompressor{} }

func (gzipCompressor) Name() string { return CodecGzip }

func (gzipCompressor) Compress(batch VoxelChangeBatch) ([]byte, error) {
	raw, err := rawCompressor{}.Compress(batch)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(payload []byte) (VoxelChangeBatch, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return VoxelChangeBatch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return VoxelChangeBatch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return rawCompressor{}.Decompress(raw)
}

// zstdCompressor применяет zstd к двоичному формату
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor создает zstd-кодек
func NewZstdCompressor() (DeltaCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return CodecZstd }

func (z *zstdCompressor) Compress(batch VoxelChangeBatch) ([]byte, error) {
	raw, err := rawCompressor{}.Compress(batch)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdCompressor) Decompress(payload []byte) (VoxelChangeBatch, error) {
	raw, err := z.dec.DecodeAll(payload, nil)
	if err != nil {
		return VoxelChangeBatch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return rawCompressor{}.Decompress(raw)
}
