package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(context.Background(), 4)
	assert.Equal(t, 4, p.MaxWorkers())

	var done atomic.Int64
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int64(100), done.Load(), "Все принятые задачи должны выполниться")
	stats := p.Stats()
	assert.Equal(t, uint64(100), stats.Submitted)
	assert.Equal(t, uint64(100), stats.Completed)
}

func TestPoolTaskErrors(t *testing.T) {
	p := NewPool(context.Background(), 2)
	defer p.Stop()

	boom := errors.New("сбой")
	task, err := p.SubmitErr(func() error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, task.Wait(), boom)

	task, err = p.SubmitErr(func() error { panic("паника в задаче") })
	require.NoError(t, err)
	assert.Error(t, task.Wait(), "Паника не должна ронять процесс")
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(context.Background(), 0)
	assert.Greater(t, p.MaxWorkers(), 0, "По умолчанию размер по числу CPU")
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(func() {}), ErrStopped)
	_, err := p.SubmitErr(func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPoolRejectsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, 2)
	defer p.Stop()
	assert.False(t, p.Stopped())

	cancel()
	assert.True(t, p.Stopped(), "Отмена контекста останавливает пул")
	assert.ErrorIs(t, p.Submit(func() {}), ErrStopped)
	_, err := p.SubmitErr(func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
