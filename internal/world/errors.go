package world

import "errors"

var (
	// ErrChunkNotLoaded возвращается, если мир или чанк не загружен; запись отбрасывается
	ErrChunkNotLoaded = errors.New("чанк не загружен")
	// ErrOutOfBounds возвращается для локальной координаты вне границ текущего уровня детализации
	ErrOutOfBounds = errors.New("координата вне границ чанка")
	// ErrWorldUnloaded возвращается выгруженным миром, который больше не принимает изменения
	ErrWorldUnloaded = errors.New("мир выгружен")
	// ErrCorruptData возвращается для поврежденных сериализованных данных мира
	ErrCorruptData = errors.New("поврежденные данные мира")
	// ErrInvalidWorldID возвращается, если строка не описывает мир
	ErrInvalidWorldID = errors.New("некорректный идентификатор мира")
)
