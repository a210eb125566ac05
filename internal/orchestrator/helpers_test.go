package orchestrator

import (
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"
)

// newTestLogger returns a logger that stays quiet unless something errors.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubTranscoder returns an execCommand replacement that runs the given shell
// script in place of the real transcoder binary.
func stubTranscoder(t *testing.T, script string) func(name string, arg ...string) *exec.Cmd {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return func(name string, arg ...string) *exec.Cmd {
		return exec.Command(sh, "-c", script)
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// recv reads one queued frame off a viewer's send channel.
func recv(t *testing.T, v *Viewer) []byte {
	t.Helper()
	select {
	case msg := <-v.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
		return nil
	}
}
