package typing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestController_KeepaliveAndStop(t *testing.T) {
	var starts, stops atomic.Int32
	c := New(Options{
		KeepaliveInterval: 10 * time.Millisecond,
		Callbacks: Callbacks{
			Start: func() error { starts.Add(1); return nil },
			Stop:  func() error { stops.Add(1); return nil },
		},
	})

	c.Start()
	c.Start()
	time.Sleep(55 * time.Millisecond)
	c.Stop()
	c.Stop()

	if n := starts.Load(); n < 3 {
		t.Errorf("starts = %d, want keepalive refreshes", n)
	}
	if n := stops.Load(); n != 1 {
		t.Errorf("stops = %d, want exactly 1", n)
	}
	if c.Active() {
		t.Error("controller still active after Stop")
	}

	after := starts.Load()
	time.Sleep(30 * time.Millisecond)
	if starts.Load() != after {
		t.Error("keepalive kept firing after Stop")
	}
}

func TestController_MaxDuration(t *testing.T) {
	stopped := make(chan struct{})
	c := New(Options{
		KeepaliveInterval: time.Hour,
		MaxDuration:       20 * time.Millisecond,
		Callbacks: Callbacks{
			Start: func() error { return nil },
			Stop:  func() error { close(stopped); return nil },
		},
	})
	c.Start()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("max duration did not stop the indicator")
	}
}

func TestController_ErrorsGoToCallbacks(t *testing.T) {
	var startErr, stopErr error
	c := New(Options{
		KeepaliveInterval: time.Hour,
		Callbacks: Callbacks{
			Start:        func() error { return errors.New("start boom") },
			Stop:         func() error { return errors.New("stop boom") },
			OnStartError: func(err error) { startErr = err },
			OnStopError:  func(err error) { stopErr = err },
		},
	})
	c.Start()
	c.Stop()

	if startErr == nil || startErr.Error() != "start boom" {
		t.Errorf("OnStartError got %v", startErr)
	}
	if stopErr == nil || stopErr.Error() != "stop boom" {
		t.Errorf("OnStopError got %v", stopErr)
	}
}

func TestController_StopBeforeStart(t *testing.T) {
	var stops atomic.Int32
	c := New(Options{Callbacks: Callbacks{
		Start: func() error { return nil },
		Stop:  func() error { stops.Add(1); return nil },
	}})
	c.Stop()
	c.Start()
	if stops.Load() != 0 {
		t.Error("Stop callback should not run for an indicator that never started")
	}
	if c.Active() {
		t.Error("Start after Stop must be a no-op")
	}
}
