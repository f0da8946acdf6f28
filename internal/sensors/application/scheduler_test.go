package application

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingRunner struct {
	mu     sync.Mutex
	runs   int
	sweeps int
}

func (c *countingRunner) Run(context.Context) (RunReport, error) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	return RunReport{}, nil
}

func (c *countingRunner) Sweep(context.Context) (RunReport, error) {
	c.mu.Lock()
	c.sweeps++
	c.mu.Unlock()
	return RunReport{}, ErrRunInProgress
}

func (c *countingRunner) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs, c.sweeps
}

func TestSchedulerTicksRunsAndSweeps(t *testing.T) {
	runner := &countingRunner{}
	scheduler := NewScheduler(runner, 10*time.Millisecond, 15*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		runs, sweeps := runner.counts()
		if runs >= 2 && sweeps >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected runs and sweeps, got runs=%d sweeps=%d", runs, sweeps)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerDisabledInterval(t *testing.T) {
	runner := &countingRunner{}
	scheduler := NewScheduler(runner, 0, 0, nil)
	scheduler.Start(context.Background())
	if runs, _ := runner.counts(); runs != 0 {
		t.Fatalf("expected no runs, got %d", runs)
	}
}
