package worker

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsAll(t *testing.T) {
	p := NewPool("test")
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		if !p.Submit(func() { n.Add(1) }) {
			t.Fatal("Submit rejected on running pool")
		}
	}
	p.Stop()
	if n.Load() != 50 {
		t.Errorf("ran %d tasks; want 50", n.Load())
	}
	if s := p.Stats(); s.Completed != 50 || s.Running != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPanicRecovered(t *testing.T) {
	p := NewPool("test")
	p.Submit(func() { panic("boom") })
	p.Submit(func() {})
	p.Stop()

	s := p.Stats()
	if s.Panicked != 1 || s.Completed != 1 {
		t.Errorf("stats = %+v; want 1 panicked 1 completed", s)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool("test")
	p.Stop()
	if p.Submit(func() {}) {
		t.Error("Submit accepted after Stop")
	}
}

func TestStopWaitsForRunningTasks(t *testing.T) {
	p := NewPool("test")
	release := make(chan struct{})
	var finished atomic.Bool
	p.Submit(func() {
		<-release
		finished.Store(true)
	})

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	if !finished.Load() {
		t.Error("task did not finish before Stop returned")
	}
	p.Stop()
}
