package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeLocker struct {
	mu   sync.Mutex
	held map[int64]bool
	deny bool
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return false, func() {}, nil
	}
	if f.held == nil {
		f.held = make(map[int64]bool)
	}
	if f.held[key] {
		return false, func() {}, nil
	}
	f.held[key] = true
	return true, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held[key] = false
	}, nil
}

func TestRunOnceRunsUnderLock(t *testing.T) {
	var ran int
	r := NewRunner(&fakeLocker{}, nil)
	r.runOnce(context.Background(), Job{
		Name:    "test",
		LockKey: 1,
		Run: func(ctx context.Context) error {
			ran++
			return nil
		},
	})
	if ran != 1 {
		t.Fatalf("job ran %d times, want 1", ran)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	var ran int
	r := NewRunner(&fakeLocker{deny: true}, nil)
	r.runOnce(context.Background(), Job{
		Name:    "test",
		LockKey: 1,
		Run: func(ctx context.Context) error {
			ran++
			return nil
		},
	})
	if ran != 0 {
		t.Fatal("job must not run when the lock is held elsewhere")
	}
}

func TestStartStopDrains(t *testing.T) {
	done := make(chan struct{}, 8)
	r := NewRunner(&fakeLocker{}, []Job{{
		Name:    "noop",
		Every:   time.Hour,
		LockKey: 7,
		Run: func(ctx context.Context) error {
			done <- struct{}{}
			return nil
		},
	}})
	r.Start(context.Background())
	// Stop before the initial delay fires; must not hang.
	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
