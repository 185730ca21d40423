package streaming

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/annel0/voxel-engine/internal/world"
)

// Формат: magic, версия, метаданные, секция чанков (zstd), секция состояния (zstd), xxhash64.
const (
	compressedMagic   = "VXW1"
	compressedVersion = 1
	checksumSize      = 8
	// maxSectionBytes ограничивает распакованный размер секции
	maxSectionBytes = 1 << 34
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSectionBytes))
)

// Metadata содержит сведения о сжатом мире, доступные без распаковки
type Metadata struct {
	ID           world.WorldID
	CreatedAt    time.Time
	LastAccess   time.Time
	CompressedAt time.Time
	// MemoryBytes хранит оценку памяти мира в момент сжатия
	MemoryBytes int64
	// RawBytes хранит размер секций до сжатия
	RawBytes int64
	Chunks   int
}

// CompressedWorld хранит сериализованный и сжатый мир вместе с разобранными метаданными
type CompressedWorld struct {
	Metadata
	data         []byte
	chunkSection []byte
	stateSection []byte
}

// Size возвращает размер сжатого представления
func (cw *CompressedWorld) Size() int { return len(cw.data) }

// Ratio возвращает отношение сжатого размера к исходному
func (cw *CompressedWorld) Ratio() float64 {
	if cw.RawBytes == 0 {
		return 0
	}
	return float64(len(cw.data)) / float64(cw.RawBytes)
}

// Bytes возвращает сериализованное представление (не копию)
func (cw *CompressedWorld) Bytes() []byte { return cw.data }

// Compress сериализует мир и сжимает секции. Мир должен быть отсоединен или
// не изменяться во время вызова.
func Compress(w *world.World, now time.Time) (*CompressedWorld, error) {
	chunks := w.EncodeChunks()
	state := w.EncodeState()
	meta := Metadata{
		ID:           w.ID,
		CreatedAt:    w.CreatedAt(),
		LastAccess:   w.LastAccess(),
		CompressedAt: now,
		MemoryBytes:  w.MemoryBytes(),
		RawBytes:     int64(len(chunks) + len(state)),
		Chunks:       w.ChunkCount(),
	}

	zc := encoder.EncodeAll(chunks, nil)
	zs := encoder.EncodeAll(state, nil)

	var buf bytes.Buffer
	buf.WriteString(compressedMagic)
	put := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }
	put(uint16(compressedVersion))
	put(uint8(meta.ID.Kind))
	put(meta.ID.Seed)
	if len(meta.ID.Owner) > 0xFFFF {
		return nil, fmt.Errorf("слишком длинный владелец мира: %d байт", len(meta.ID.Owner))
	}
	put(uint16(len(meta.ID.Owner)))
	buf.WriteString(meta.ID.Owner)
	put(meta.CreatedAt.UnixNano())
	put(meta.LastAccess.UnixNano())
	put(meta.CompressedAt.UnixNano())
	put(meta.MemoryBytes)
	put(uint64(meta.RawBytes))
	put(uint32(meta.Chunks))
	put(uint32(len(zc)))
	buf.Write(zc)
	put(uint32(len(zs)))
	buf.Write(zs)
	put(xxhash.Sum64(buf.Bytes()))

	return ParseCompressed(buf.Bytes())
}

// ParseCompressed проверяет контрольную сумму и разбирает метаданные.
// Секции не распаковываются.
func ParseCompressed(data []byte) (*CompressedWorld, error) {
	if len(data) < len(compressedMagic)+checksumSize || string(data[:len(compressedMagic)]) != compressedMagic {
		return nil, fmt.Errorf("%w: нет сигнатуры %s", ErrInvalidPayload, compressedMagic)
	}
	body := data[:len(data)-checksumSize]
	sum := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: контрольная сумма не совпадает", world.ErrCorruptData)
	}

	r := bytes.NewReader(body[len(compressedMagic):])
	var failed error
	get := func(v interface{}) {
		if failed == nil {
			failed = binary.Read(r, binary.LittleEndian, v)
		}
	}
	section := func() []byte {
		var n uint32
		get(&n)
		if failed != nil {
			return nil
		}
		if int64(n) > int64(r.Len()) {
			failed = fmt.Errorf("секция %d байт длиннее данных", n)
			return nil
		}
		out := body[len(body)-r.Len() : len(body)-r.Len()+int(n)]
		r.Seek(int64(n), io.SeekCurrent)
		return out
	}

	var (
		version                     uint16
		kind                        uint8
		ownerLen                    uint16
		created, access, compressed int64
		raw                         uint64
		chunks                      uint32
	)
	cw := &CompressedWorld{data: data}
	get(&version)
	if failed == nil && version != compressedVersion {
		return nil, fmt.Errorf("%w: неизвестная версия %d", ErrInvalidPayload, version)
	}
	get(&kind)
	get(&cw.ID.Seed)
	get(&ownerLen)
	if failed == nil {
		owner := make([]byte, ownerLen)
		_, failed = io.ReadFull(r, owner)
		cw.ID.Owner = string(owner)
	}
	cw.ID.Kind = world.Kind(kind)
	get(&created)
	get(&access)
	get(&compressed)
	get(&cw.MemoryBytes)
	get(&raw)
	get(&chunks)
	cw.chunkSection = section()
	cw.stateSection = section()
	if failed == nil && r.Len() != 0 {
		failed = fmt.Errorf("лишние %d байт", r.Len())
	}
	if failed != nil {
		return nil, fmt.Errorf("%w: %v", world.ErrCorruptData, failed)
	}
	if !cw.ID.Valid() {
		return nil, fmt.Errorf("%w: некорректный идентификатор мира", world.ErrCorruptData)
	}

	cw.CreatedAt = time.Unix(0, created)
	cw.LastAccess = time.Unix(0, access)
	cw.CompressedAt = time.Unix(0, compressed)
	cw.RawBytes = int64(raw)
	cw.Chunks = int(chunks)
	return cw, nil
}

// Decompress распаковывает секции и восстанавливает мир.
// Размеры чанков берутся из данных, генератор и порог берутся из opts.
func (cw *CompressedWorld) Decompress(opts world.Options) (*world.World, error) {
	chunks, err := decoder.DecodeAll(cw.chunkSection, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: секция чанков: %v", world.ErrCorruptData, err)
	}
	state, err := decoder.DecodeAll(cw.stateSection, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: секция состояния: %v", world.ErrCorruptData, err)
	}
	return world.Restore(cw.ID, opts, chunks, state)
}
