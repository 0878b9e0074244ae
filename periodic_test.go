package testwire

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSchedulerRequiresCallback(t *testing.T) {
	s := NewDefaultRunScheduler(time.Minute, true, log.New())
	require.Error(t, s.Start(context.Background()))
}

func TestRunSchedulerRunOnce(t *testing.T) {
	s := NewDefaultRunScheduler(0, true, log.New())

	var calls atomic.Int32
	s.RegisterCallback(func() error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunSchedulerContinuous(t *testing.T) {
	s := NewDefaultRunScheduler(10*time.Millisecond, false, log.New())

	var calls atomic.Int32
	s.RegisterCallback(func() error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "periodic callback should fire repeatedly")

	require.NoError(t, s.Stop())
	assert.True(t, s.Stopped())
	require.NoError(t, s.Stop(), "second stop is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitForShutdown(ctx))
}

func TestRunSchedulerContextCancel(t *testing.T) {
	s := NewDefaultRunScheduler(10*time.Millisecond, false, log.New())
	s.RegisterCallback(func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return s.Stopped()
	}, 2*time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, s.WaitForShutdown(waitCtx))
}
