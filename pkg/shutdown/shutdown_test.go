package shutdown

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/legal-rag-eval/pkg/logger"
)

func TestShutdown_RunsCleanupsInReverseOrder(t *testing.T) {
	h := New(logger.Discard(), time.Second)

	var order []string
	h.RegisterNamed("redis", func(ctx context.Context) error {
		order = append(order, "redis")
		return nil
	})
	h.RegisterNamed("postgres", func(ctx context.Context) error {
		order = append(order, "postgres")
		return nil
	})
	h.Register(func(ctx context.Context) error {
		order = append(order, "status")
		return nil
	})

	require.NoError(t, h.Shutdown())
	assert.Equal(t, []string{"status", "postgres", "redis"}, order)
}

func TestShutdown_JoinsErrors(t *testing.T) {
	h := New(logger.Discard(), time.Second)
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	h.Register(func(ctx context.Context) error { return errA })
	h.Register(func(ctx context.Context) error { return errB })

	err := h.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestShutdown_Timeout(t *testing.T) {
	h := New(logger.Discard(), 20*time.Millisecond)
	h.Register(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	err := h.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatchSignals_StopCancels(t *testing.T) {
	h := New(logger.Discard(), time.Second)
	ctx, stop := h.WatchSignals(context.Background())
	stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by stop")
	}
	assert.False(t, h.Interrupted())
}

func TestWatchSignals_SecondSignalForcesExit(t *testing.T) {
	h := New(logger.Discard(), time.Second)
	exited := make(chan int, 1)
	h.exit = func(code int) { exited <- code }

	ctx, stop := h.WatchSignals(context.Background())
	defer stop()

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)

	require.NoError(t, self.Signal(syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first signal did not cancel")
	}
	assert.True(t, h.Interrupted())

	require.NoError(t, self.Signal(syscall.SIGTERM))
	select {
	case code := <-exited:
		assert.Equal(t, ExitForced, code)
	case <-time.After(time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestShutdown_NamesFailingComponent(t *testing.T) {
	h := New(logger.Discard(), time.Second)
	h.RegisterNamed("nats", func(context.Context) error { return errors.New("drain timeout") })

	err := h.Shutdown()
	require.Error(t, err)
	assert.Equal(t, "nats: drain timeout", err.Error())
	assert.NoError(t, h.Shutdown())
}
