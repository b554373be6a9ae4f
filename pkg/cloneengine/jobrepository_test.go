package cloneengine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestJobRepositoryDrainsAllJobsOnceEnqueuedBeforeFinish(t *testing.T) {
	repo := NewJobRepository(nil)
	var mu sync.Mutex
	var seen []int

	for i := 0; i < 10; i++ {
		i := i
		repo.Enqueue(func(runningErr error) error {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			return runningErr
		})
	}
	repo.Finish(nil, StageConcurrent)

	var wg sync.WaitGroup
	for task := 0; task < 2; task++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Consume(StageConcurrent, nil))
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	assert.Equal(t, 0, repo.Pending())
}

func TestJobRepositoryStickyErrorWinsAndRemainingJobsStillRun(t *testing.T) {
	repo := NewJobRepository(nil)
	boom := errors.New("boom")

	var mu sync.Mutex
	runCount := 0
	for i := 0; i < 10; i++ {
		i := i
		repo.Enqueue(func(runningErr error) error {
			mu.Lock()
			runCount++
			mu.Unlock()
			if i == 3 {
				return boom
			}
			return runningErr
		})
	}
	repo.Finish(nil, StageConcurrent)

	err := repo.Consume(StageConcurrent, nil)
	assert.Error(t, err)
	mu.Lock()
	assert.Equal(t, 10, runCount)
	mu.Unlock()
	assert.Equal(t, boom, repo.FirstError())
}

func TestJobRepositoryLastFinishedStageMonotonic(t *testing.T) {
	repo := NewJobRepository(nil)
	assert.Equal(t, StageConcurrent, repo.LastFinishedStage())

	repo.Finish(nil, StageConcurrent)
	assert.Equal(t, StageNTDMLBlocked, repo.LastFinishedStage())

	repo.Finish(nil, StageNTDMLBlocked)
	assert.Equal(t, StageDDLBlocked, repo.LastFinishedStage())
}

func TestJobRepositoryConsumeWaitsForJobBeforeStageFinished(t *testing.T) {
	repo := NewJobRepository(nil)
	done := make(chan struct{})

	go func() {
		assert.NoError(t, repo.Consume(StageConcurrent, nil))
		close(done)
	}()

	repo.Enqueue(func(runningErr error) error { return runningErr })
	repo.Finish(nil, StageConcurrent)
	<-done
}

type killableSession struct{ killed atomic.Bool }

func (s *killableSession) Killed() bool { return s.killed.Load() }

func TestJobRepositoryWaitPendingReturnsImmediatelyWhenEmpty(t *testing.T) {
	repo := NewJobRepository(&killableSession{})
	assert.NoError(t, repo.WaitPending())
}

func TestJobRepositoryWaitPendingReturnsInterruptedWhenSessionKilled(t *testing.T) {
	session := &killableSession{}
	session.killed.Store(true)
	repo := NewJobRepository(session)
	repo.Enqueue(func(runningErr error) error { return runningErr }) // never consumed: pending stays 1
	err := repo.WaitPending()
	assert.ErrorIs(t, err, ErrQueryInterrupted)
	assert.ErrorIs(t, repo.FirstError(), ErrQueryInterrupted)
}

func TestJobRepositoryConsumeReturnsInterruptedWhenSessionKilled(t *testing.T) {
	session := &killableSession{}
	session.killed.Store(true)
	repo := NewJobRepository(session)
	err := repo.Consume(StageConcurrent, nil)
	assert.ErrorIs(t, err, ErrQueryInterrupted)
	assert.ErrorIs(t, repo.FirstError(), ErrQueryInterrupted)
}

func TestJobRepositoryConsumeObservesCancellationWhileWaiting(t *testing.T) {
	session := &killableSession{}
	repo := NewJobRepository(session)

	done := make(chan error, 1)
	go func() { done <- repo.Consume(StageConcurrent, nil) }()

	time.Sleep(10 * time.Millisecond)
	session.killed.Store(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueryInterrupted)
	case <-time.After(waitPendingPollInterval * 2):
		t.Fatal("Consume did not observe session cancellation within two poll intervals")
	}
}

func TestJobRepositoryPanicLatchesAsStickyError(t *testing.T) {
	repo := NewJobRepository(nil)
	repo.Enqueue(func(runningErr error) error { panic("kaboom") })
	repo.Finish(nil, StageConcurrent)
	err := repo.Consume(StageConcurrent, nil)
	assert.Error(t, err)
	assert.Equal(t, fmt.Sprint(repo.FirstError()), fmt.Sprint(err))
}
