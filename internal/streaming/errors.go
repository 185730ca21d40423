package streaming

import "errors"

var (
	// ErrBudgetExceeded возвращается, если загрузка или рост мира не помещается в бюджет памяти даже после вытеснения
	ErrBudgetExceeded = errors.New("превышен бюджет памяти")
	// ErrWorldUnavailable возвращается для мира с поврежденными данными, помеченного недоступным
	ErrWorldUnavailable = errors.New("мир недоступен")
	// ErrInvalidPayload возвращается, если байты не являются сжатым миром
	ErrInvalidPayload = errors.New("некорректный формат сжатого мира")
)
