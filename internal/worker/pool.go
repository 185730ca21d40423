package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/alitto/pond/v2"

	"github.com/annel0/voxel-engine/internal/logging"
)

// ErrStopped возвращается при отправке задачи в остановленный пул
var ErrStopped = errors.New("пул воркеров остановлен")

// Pool выполняет перестройку мешей и (де)сериализацию миров в общем пуле.
// Результаты задач доставляются через каналы вызывающих компонентов.
type Pool struct {
	pool    pond.Pool
	max     int
	stopped atomic.Bool
	logger  *logging.Logger
}

// Stats содержит снимок состояния пула
type Stats struct {
	MaxWorkers int
	Running    int64
	Waiting    uint64
	Submitted  uint64
	Completed  uint64
	Failed     uint64
}

// NewPool создает пул на maxWorkers воркеров (0 означает по числу CPU).
// Отмена ctx прекращает выполнение ожидающих задач.
func NewPool(ctx context.Context, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Pool{
		pool:   pond.NewPool(maxWorkers, pond.WithContext(ctx)),
		max:    maxWorkers,
		logger: logging.GetComponentLogger("worker"),
	}
}

// MaxWorkers возвращает размер пула
func (p *Pool) MaxWorkers() int { return p.max }

// Submit ставит задачу в очередь. После Stop или отмены контекста пула задача
// не принимается.
func (p *Pool) Submit(task func()) error {
	if p.Stopped() {
		return ErrStopped
	}
	if err := p.pool.Go(task); err != nil {
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	return nil
}

// Stopped сообщает, что пул остановлен или его контекст отменен.
// Задачи, оставшиеся в очереди отмененного пула, не выполняются.
func (p *Pool) Stopped() bool {
	return p.stopped.Load() || p.pool.Stopped()
}

// SubmitErr ставит задачу с ошибкой; паника в задаче превращается в ошибку Wait
func (p *Pool) SubmitErr(task func() error) (pond.Task, error) {
	if p.Stopped() {
		return nil, ErrStopped
	}
	return p.pool.SubmitErr(task), nil
}

// Stop ждет завершения принятых задач и останавливает пул
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.pool.StopAndWait()
	p.logger.Debug("Пул остановлен: выполнено %d, ошибок %d", p.pool.CompletedTasks(), p.pool.FailedTasks())
}

// Stats возвращает счетчики пула
func (p *Pool) Stats() Stats {
	return Stats{
		MaxWorkers: p.max,
		Running:    p.pool.RunningWorkers(),
		Waiting:    p.pool.WaitingTasks(),
		Submitted:  p.pool.SubmittedTasks(),
		Completed:  p.pool.CompletedTasks(),
		Failed:     p.pool.FailedTasks(),
	}
}

// GetStats возвращает счетчики пула для диагностического API
func (p *Pool) GetStats() map[string]interface{} {
	s := p.Stats()
	return map[string]interface{}{
		"max_workers": s.MaxWorkers,
		"running":     s.Running,
		"waiting":     s.Waiting,
		"submitted":   s.Submitted,
		"completed":   s.Completed,
		"failed":      s.Failed,
	}
}
