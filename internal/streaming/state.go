package streaming

import (
	"time"

	"github.com/annel0/voxel-engine/internal/world"
)

// State описывает состояние мира в менеджере стриминга
type State uint8

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateCompressed
)

// String возвращает имя состояния
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// EventKind задает вид события стриминга
type EventKind uint8

const (
	EventLoaded EventKind = iota + 1
	EventUnloaded
	EventCompressed
	EventFailed
)

// String возвращает имя события
func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	case EventCompressed:
		return "compressed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event сообщает о смене состояния мира; Err заполнен для EventFailed
type Event struct {
	World world.WorldID
	Kind  EventKind
	Err   error
	At    time.Time
}

// WorldStatus содержит диагностическую сводку по миру
type WorldStatus struct {
	ID              world.WorldID
	State           State
	Unavailable     bool
	Bytes           int64
	Reservation     int64
	Charged         int64
	CompressedBytes int
	Players         int
	Chunks          int
	LastAccess      time.Time
	LastError       string
}
