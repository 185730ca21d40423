package world

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind задает вид мира
type Kind uint8

const (
	KindMission Kind = iota + 1
	KindBase
	KindOverworld
)

// String возвращает тег вида, он же префикс строкового WorldID
func (k Kind) String() string {
	switch k {
	case KindMission:
		return "mission"
	case KindBase:
		return "base"
	case KindOverworld:
		return "overworld"
	default:
		return "unknown"
	}
}

// WorldID идентифицирует мир; сравним и годится как ключ map
type WorldID struct {
	Kind  Kind
	Seed  int64
	Owner string
}

// MissionWorld возвращает одноразовый мир миссии, который восстанавливается из сида
func MissionWorld(seed int64) WorldID {
	return WorldID{Kind: KindMission, Seed: seed}
}

// UndergroundBase возвращает подземную базу игрока
func UndergroundBase(owner string) WorldID {
	return WorldID{Kind: KindBase, Owner: owner}
}

// Overworld возвращает общий постоянный мир
func Overworld() WorldID {
	return WorldID{Kind: KindOverworld}
}

// Persistent сообщает, нужно ли сохранять состояние мира при выгрузке.
// Миссии перегенерируются из сида.
func (id WorldID) Persistent() bool {
	switch id.Kind {
	case KindMission:
		return false
	case KindBase, KindOverworld:
		return true
	default:
		return false
	}
}

// Valid проверяет корректность идентификатора
func (id WorldID) Valid() bool {
	switch id.Kind {
	case KindMission:
		return id.Owner == ""
	case KindBase:
		return id.Owner != "" && id.Seed == 0
	case KindOverworld:
		return id.Owner == "" && id.Seed == 0
	default:
		return false
	}
}

// String возвращает строковую форму: mission:<seed>, base:<owner>, overworld
func (id WorldID) String() string {
	switch id.Kind {
	case KindMission:
		return "mission:" + strconv.FormatInt(id.Seed, 10)
	case KindBase:
		return "base:" + id.Owner
	case KindOverworld:
		return "overworld"
	default:
		return fmt.Sprintf("unknown:%d", id.Kind)
	}
}

// ParseWorldID разбирает строковую форму WorldID
func ParseWorldID(s string) (WorldID, error) {
	if s == "overworld" {
		return Overworld(), nil
	}
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return WorldID{}, fmt.Errorf("%w: %q", ErrInvalidWorldID, s)
	}
	switch prefix {
	case "mission":
		seed, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return WorldID{}, fmt.Errorf("%w: сид %q: %v", ErrInvalidWorldID, rest, err)
		}
		return MissionWorld(seed), nil
	case "base":
		return UndergroundBase(rest), nil
	default:
		return WorldID{}, fmt.Errorf("%w: %q", ErrInvalidWorldID, s)
	}
}
