package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func newTestReaper(t *testing.T, cfg ReaperConfig) (*Reaper, *InMemoryRegistry, *Hub, *Supervisor) {
	t.Helper()
	log := newTestLogger()
	reg := NewInMemoryRegistry(t.TempDir())
	hub := NewHub(reg, nil, log)
	sup := NewSupervisor(reg, hub, SupervisorConfig{}, log, nil)
	sup.execCommand = stubTranscoder(t, "sleep 30")
	t.Cleanup(sup.StopAll)
	return NewReaper(reg, sup, hub, cfg, log, nil), reg, hub, sup
}

func TestReaper_reaps_idle_session(t *testing.T) {
	rp, reg, hub, _ := newTestReaper(t, ReaperConfig{IdleTimeout: 30 * time.Millisecond})

	sess, _ := reg.Create("/src.mp4", EncodingParams{})
	if err := os.MkdirAll(sess.WorkDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// Connected viewers do not keep an idle session alive.
	v := NewViewer("203.0.113.9:4242")
	if _, err := hub.Subscribe(context.Background(), v, sess.ID, "lingering", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	rp.sweep()

	if _, ok := reg.Get(sess.ID); ok {
		t.Fatal("idle session should be removed")
	}
	if _, err := os.Stat(sess.WorkDir); !os.IsNotExist(err) {
		t.Errorf("working directory should be removed, stat err: %v", err)
	}
}

func TestReaper_touch_defers_reaping(t *testing.T) {
	rp, reg, _, _ := newTestReaper(t, ReaperConfig{IdleTimeout: 50 * time.Millisecond})

	sess, _ := reg.Create("/src.mp4", EncodingParams{})

	time.Sleep(100 * time.Millisecond)
	reg.Touch(sess.ID)
	rp.sweep()
	if _, ok := reg.Get(sess.ID); !ok {
		t.Fatal("freshly touched session should survive the sweep")
	}

	time.Sleep(100 * time.Millisecond)
	rp.sweep()
	if _, ok := reg.Get(sess.ID); ok {
		t.Fatal("session should be reaped once the keep-alive goes stale")
	}
}

func TestReaper_broadcasts_status_to_viewers(t *testing.T) {
	rp, reg, hub, _ := newTestReaper(t, ReaperConfig{IdleTimeout: time.Hour})

	sess, _ := reg.Create("/src.mp4", EncodingParams{})
	v := NewViewer("203.0.113.9:4242")
	if _, err := hub.Subscribe(context.Background(), v, sess.ID, "watcher", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rp.sweep()

	var ev StatusEvent
	if err := json.Unmarshal(recv(t, v), &ev); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if !ev.Success || ev.Type != TypeInfo {
		t.Errorf("unexpected status broadcast: %+v", ev)
	}
	if ev.Stream != sess.ID || ev.State != StateStopped || ev.Viewers != 1 {
		t.Errorf("unexpected status payload: %+v", ev)
	}
}

func TestReaper_skips_sessions_without_viewers(t *testing.T) {
	rp, reg, _, _ := newTestReaper(t, ReaperConfig{IdleTimeout: time.Hour})

	sess, _ := reg.Create("/src.mp4", EncodingParams{})
	rp.sweep()

	if _, ok := reg.Get(sess.ID); !ok {
		t.Fatal("fresh session should survive the sweep")
	}
}

func TestReaper_stops_orphaned_transcoders(t *testing.T) {
	rp, reg, _, sup := newTestReaper(t, ReaperConfig{})

	orphan, _ := reg.Create("/a.mp4", EncodingParams{})
	kept, _ := reg.Create("/b.mp4", EncodingParams{})
	if err := sup.Start(orphan); err != nil {
		t.Fatalf("Start orphan: %v", err)
	}
	if err := sup.Start(kept); err != nil {
		t.Fatalf("Start kept: %v", err)
	}

	// Simulate a lost registry entry.
	reg.Remove(orphan.ID)

	rp.sweepOrphans()

	if n := sup.RunningCount(); n != 1 {
		t.Errorf("expected only the live session's transcoder, got %d", n)
	}
	if ids := sup.Running(); len(ids) != 1 || ids[0] != kept.ID {
		t.Errorf("expected running ids [%s], got %v", kept.ID, ids)
	}
	if _, err := os.Stat(orphan.WorkDir); !os.IsNotExist(err) {
		t.Errorf("orphan working directory should be removed, stat err: %v", err)
	}
}

func TestReaper_Run_stops_on_cancel(t *testing.T) {
	rp, _, _, _ := newTestReaper(t, ReaperConfig{
		Interval:    10 * time.Millisecond,
		IdleTimeout: time.Hour,
		OrphanSweep: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rp.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
