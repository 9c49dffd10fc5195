package workerpool

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolExecutesAllJobs(t *testing.T) {
	const jobs = 500
	p := New(10, 0)
	p.Start()

	var counter atomic.Int64
	for i := 0; i < jobs; i++ {
		p.Submit(func() { counter.Add(1) })
	}
	p.Stop()

	if counter.Load() != jobs {
		t.Errorf("executed %d jobs, want %d", counter.Load(), jobs)
	}
}

func TestPoolDefaults(t *testing.T) {
	p := New(0, 0)
	if p.Size() <= 0 {
		t.Errorf("Size() = %d, want CPU count", p.Size())
	}
	if cap(p.jobs) != p.Size()*4 {
		t.Errorf("queue capacity = %d, want %d", cap(p.jobs), p.Size()*4)
	}
}

func TestPoolStats(t *testing.T) {
	p := New(2, 8)

	stats := p.Stats()
	if stats.Waiting != 2 || stats.Working != 0 || stats.Queued != 0 {
		t.Errorf("Stats() before start = %+v, want {2 0 0}", stats)
	}

	p.Start()
	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(2)
	for i := 0; i < 2; i++ {
		p.Submit(func() {
			running.Done()
			<-release
		})
	}
	running.Wait()
	p.Submit(func() {})

	stats = p.Stats()
	if stats.Working != 2 {
		t.Errorf("Working = %d, want 2", stats.Working)
	}
	if stats.Waiting != 0 {
		t.Errorf("Waiting = %d, want 0", stats.Waiting)
	}
	if stats.Queued != 1 {
		t.Errorf("Queued = %d, want 1", stats.Queued)
	}

	close(release)
	p.Stop()

	stats = p.Stats()
	if stats.Working != 0 || stats.Queued != 0 {
		t.Errorf("Stats() after stop = %+v, want nothing running or queued", stats)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := New(1, 1)
	p.Start()
	p.Stop()

	if p.Submit(func() {}) {
		t.Error("Submit() after Stop() should report false")
	}
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	var buf bytes.Buffer
	p := New(1, 4, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	p.Start()

	var ran atomic.Bool
	p.Submit(func() { panic("job failure") })
	p.Submit(func() { ran.Store(true) })
	p.Stop()

	if !ran.Load() {
		t.Error("job after a panicking job should still run")
	}

	out := buf.String()
	if !strings.Contains(out, "worker job panicked") || !strings.Contains(out, "panic=\"job failure\"") {
		t.Errorf("panic not logged, got %q", out)
	}
}
