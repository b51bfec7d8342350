package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProcessor struct {
	processed atomic.Int64
	panicOn   string
}

func (m *mockProcessor) Process(_ context.Context, j *Job) error {
	if j.Symbol == m.panicOn {
		panic("boom")
	}
	m.processed.Add(1)
	return nil
}

func seedPending(t *testing.T, repo *mockRepo, symbols ...string) {
	t.Helper()
	for _, s := range symbols {
		require.NoError(t, repo.Create(context.Background(), &Job{Symbol: s, Status: StatusPending, StartTrusted: true}))
	}
}

func runPool(pool *WorkerPool) (context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func TestWorkerPool_ProcessesPendingJobs(t *testing.T) {
	repo := newMockRepo()
	seedPending(t, repo, "EURUSD", "GBPUSD", "USDJPY")

	proc := &mockProcessor{}
	pool := NewWorkerPool(repo, proc, 2, WithPollInterval(50*time.Millisecond))

	cancel, done := runPool(pool)
	pool.Notify()

	assert.Eventually(t, func() bool { return proc.processed.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWorkerPool_NotifyWakesWorker(t *testing.T) {
	repo := newMockRepo()
	proc := &mockProcessor{}
	// Long poll so only Notify wakes it.
	pool := NewWorkerPool(repo, proc, 1, WithPollInterval(10*time.Second))

	cancel, done := runPool(pool)

	// Give the worker time to finish its first drain and go idle.
	time.Sleep(50 * time.Millisecond)
	seedPending(t, repo, "EURUSD")
	pool.Notify()

	assert.Eventually(t, func() bool { return proc.processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond,
		"Notify did not wake worker")

	cancel()
	<-done
}

func TestWorkerPool_SurvivesPanic(t *testing.T) {
	repo := newMockRepo()
	seedPending(t, repo, "XAUUSD", "EURUSD")

	proc := &mockProcessor{panicOn: "XAUUSD"}
	pool := NewWorkerPool(repo, proc, 1, WithPollInterval(50*time.Millisecond))

	cancel, done := runPool(pool)

	assert.Eventually(t, func() bool { return proc.processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// job-1 is XAUUSD.
	got, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, KindPanic, got.Errors[0].Kind)
	assert.Contains(t, got.Errors[0].Message, "boom")
	assert.NotNil(t, got.CompletedAt)
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(newMockRepo(), &mockProcessor{}, 2, WithPollInterval(50*time.Millisecond))

	cancel, done := runPool(pool)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for graceful shutdown")
	}
}
