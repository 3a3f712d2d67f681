package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/store"
)

func TestTimedWait(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			wg.Done()
		}()
		assert.True(t, timedWait(wg, time.Second), "timedWait should return true when wait completes")
	})

	t.Run("Timeout", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		assert.False(t, timedWait(wg, 10*time.Millisecond), "timedWait should return false on timeout")
		wg.Done()
	})
}

func TestBufferedJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("Full", func(t *testing.T) {
		j := newBufferedJournal(1)
		require.NoError(t, j.RecordIteration(ctx, store.Iteration{Number: 1}))
		assert.ErrorIs(t, j.RecordIteration(ctx, store.Iteration{Number: 2}), ErrJournalFull)
	})

	t.Run("Closed", func(t *testing.T) {
		j := newBufferedJournal(4)
		j.close()
		j.close()
		assert.ErrorIs(t, j.RecordIteration(ctx, store.Iteration{Number: 1}), ErrJournalClosed)
	})
}

func TestComponentsShutdown(t *testing.T) {
	writer := new(MockWriter)
	writer.On("RecordIteration", mock.Anything, mock.Anything).Return(nil)

	c := &Components{
		logger:     zap.NewNop(),
		journal:    newBufferedJournal(8),
		consumerWG: &sync.WaitGroup{},
	}
	var order []string
	c.closers = append(c.closers,
		func() { order = append(order, "first") },
		func() { order = append(order, "second") })
	StartJournalConsumer(context.Background(), c.consumerWG, c.journal.ch, writer, zap.NewNop())

	for i := 1; i <= 3; i++ {
		require.NoError(t, c.journal.RecordIteration(context.Background(), store.Iteration{RunID: "run", Number: i}))
	}

	c.Shutdown()
	c.Shutdown()

	writer.AssertNumberOfCalls(t, "RecordIteration", 3)
	assert.Equal(t, []string{"second", "first"}, order, "closers run in reverse")
	assert.ErrorIs(t, c.journal.RecordIteration(context.Background(), store.Iteration{}), ErrJournalClosed)
}

func TestComponentsShutdownPartial(t *testing.T) {
	assert.NotPanics(t, func() { (&Components{}).Shutdown() })
}
