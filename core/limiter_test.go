package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLimiter(t *testing.T) {
	l := NewCallLimiter(2)
	require.NoError(t, l.Acquire(PhasePlanning))
	require.NoError(t, l.Acquire(PhaseExecution))

	err := l.Acquire(PhaseSolve)
	assert.ErrorIs(t, err, ErrLLMCallLimit)
	assert.Contains(t, err.Error(), "solve call refused after 2 of 2")
	assert.Equal(t, 2, l.Used())
}

func TestCallLimiter_SharedByConcurrentSteps(t *testing.T) {
	l := NewCallLimiter(5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(PhaseExecution) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, l.Used())
}

func TestCallLimiter_Unlimited(t *testing.T) {
	l := NewCallLimiter(0)
	for range 10 {
		assert.NoError(t, l.Acquire(PhaseExecution))
	}
	assert.Equal(t, 10, l.Used())

	var none *CallLimiter
	assert.Zero(t, none.Used())
}
