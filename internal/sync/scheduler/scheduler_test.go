package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/statsync/internal/sync"
)

// fakeDrainer counts drains and reports a configurable online state.
type fakeDrainer struct {
	mu     sync.Mutex
	online bool
	calls  int
	err    error
	block  chan struct{}
}

func (f *fakeDrainer) SyncToRemote(ctx context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.SyncResult{Processed: 1, Completed: 1}, nil
}

func (f *fakeDrainer) Online(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeDrainer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", config.SyncInterval)
	}
	if config.Debounce != 200*time.Millisecond {
		t.Errorf("Debounce = %v, want 200ms", config.Debounce)
	}
	if config.DrainTimeout != 5*time.Minute {
		t.Errorf("DrainTimeout = %v, want 5m", config.DrainTimeout)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeDrainer{}, nil, nil, nil)
	if s.syncInterval != 30*time.Second {
		t.Errorf("syncInterval = %v, want 30s (default)", s.syncInterval)
	}
	if !s.IsOnline() {
		t.Error("scheduler should assume online initially")
	}
	if s.IsRunning() {
		t.Error("scheduler should not run before Start()")
	}
}

// TestScheduler_StartStop verifies lifecycle idempotence.
func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&fakeDrainer{}, nil, &SchedulerConfig{SyncInterval: time.Hour}, nil)
	s.Stop() // without Start

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Fatal("Start() should set running")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("Stop() should clear running")
	}

	// Restart after stop.
	s.Start(ctx)
	defer s.Stop()
	if !s.IsRunning() {
		t.Error("restart failed")
	}
}

// TestScheduler_PeriodicDrain verifies interval drains while online.
func TestScheduler_PeriodicDrain(t *testing.T) {
	d := &fakeDrainer{online: true}
	s := NewScheduler(d, nil, &SchedulerConfig{SyncInterval: 20 * time.Millisecond}, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "two periodic drains", func() bool { return d.Calls() >= 2 })
	st := s.GetStatus()
	if st.LastSyncTime == nil || st.LastResult == nil || st.LastResult.Completed != 1 {
		t.Errorf("status = %+v", st)
	}
}

// TestScheduler_OfflineSkipsDrain verifies no drain runs while every
// backend is unreachable.
func TestScheduler_OfflineSkipsDrain(t *testing.T) {
	d := &fakeDrainer{online: false}
	s := NewScheduler(d, nil, &SchedulerConfig{SyncInterval: 10 * time.Millisecond}, nil)
	s.Start(context.Background())
	waitFor(t, "offline check", func() bool { return !s.IsOnline() })
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if n := d.Calls(); n != 0 {
		t.Errorf("drains while offline = %d, want 0", n)
	}
}

// TestScheduler_SignalTriggersDrain verifies enqueue signals are
// debounced into one drain.
func TestScheduler_SignalTriggersDrain(t *testing.T) {
	d := &fakeDrainer{online: true}
	signal := make(chan struct{}, 1)
	s := NewScheduler(d, signal, &SchedulerConfig{SyncInterval: time.Hour, Debounce: 30 * time.Millisecond}, nil)
	s.Start(context.Background())
	defer s.Stop()

	signal <- struct{}{}
	waitFor(t, "signalled drain", func() bool { return d.Calls() == 1 })
	time.Sleep(60 * time.Millisecond)
	if n := d.Calls(); n != 1 {
		t.Errorf("drains after one signal = %d, want 1", n)
	}
}

// TestScheduler_SyncNow verifies synchronous drains and error reporting.
func TestScheduler_SyncNow(t *testing.T) {
	d := &fakeDrainer{online: false}
	s := NewScheduler(d, nil, nil, nil)

	res, err := s.SyncNow(context.Background())
	if err != nil || res.Completed != 1 {
		t.Fatalf("SyncNow() = %+v, %v", res, err)
	}

	d.mu.Lock()
	d.err = errors.New("store closed")
	d.mu.Unlock()
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() should return the drain error")
	}
}

// TestScheduler_TriggerSyncWhileBusy verifies a trigger during a drain
// is refused.
func TestScheduler_TriggerSyncWhileBusy(t *testing.T) {
	d := &fakeDrainer{online: true, block: make(chan struct{})}
	s := NewScheduler(d, nil, &SchedulerConfig{SyncInterval: time.Hour}, nil)

	if !s.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() refused on an idle scheduler")
	}
	waitFor(t, "drain in progress", func() bool { return s.GetStatus().DrainInProgress })
	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() accepted while a drain is running")
	}
	close(d.block)
	waitFor(t, "drain finished", func() bool { return !s.GetStatus().DrainInProgress })
}
