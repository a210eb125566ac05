package orchestrator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"livecast/internal/platform/metrics"

	"github.com/fsnotify/fsnotify"
)

// playlistName is the live playlist the transcoder writes relative to the
// session's working directory.
const playlistName = "index.m3u8"

// ErrAlreadyRunning is returned by Start when a transcoder process already
// exists for the session id.
var ErrAlreadyRunning = errors.New("transcoder already running")

// Broadcaster is the subset of the Hub the Supervisor uses to announce
// playlist readiness to subscribed viewers.
type Broadcaster interface {
	Publish(id StreamID, payload any)
	ViewerCount(id StreamID) int
}

// SupervisorConfig carries the transcoder invocation policy. Zero values fall
// back to defaults in NewSupervisor.
type SupervisorConfig struct {
	FFmpegPath     string
	SegmentSeconds int
	PlaylistWindow int
	TeardownGrace  time.Duration
}

// processHandle tracks one live transcoder process. At most one exists per
// session id at any time.
type processHandle struct {
	cmd     *exec.Cmd
	workDir string
	drained chan struct{} // closed when the stderr drain has finished
	done    chan struct{} // closed when the process exit has been observed
	cleanup sync.Once
	forced  bool // set under the supervisor mutex before a forced kill
}

// Supervisor spawns the external transcoder for a session, owns its lifetime,
// and guarantees cleanup (kill, delete working directory, deregister session)
// on normal exit, abnormal exit, or forced termination.
type Supervisor struct {
	registry Registry
	hub      Broadcaster
	cfg      SupervisorConfig
	log      *slog.Logger
	metrics  *metrics.Metrics

	// execCommand is swapped out in tests to run a stub process.
	execCommand func(name string, arg ...string) *exec.Cmd

	mu      sync.Mutex
	handles map[StreamID]*processHandle
}

// NewSupervisor returns a Supervisor using the given registry and invocation
// policy. hub may be nil to disable readiness broadcasts and m may be nil to
// disable metric recording (e.g. in tests).
func NewSupervisor(reg Registry, hub Broadcaster, cfg SupervisorConfig, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 2
	}
	if cfg.PlaylistWindow <= 0 {
		cfg.PlaylistWindow = 6
	}
	if cfg.TeardownGrace < 0 {
		cfg.TeardownGrace = 0
	}
	return &Supervisor{
		registry:    reg,
		hub:         hub,
		cfg:         cfg,
		log:         log,
		metrics:     m,
		execCommand: exec.Command,
		handles:     make(map[StreamID]*processHandle),
	}
}

// Start spawns the transcoder for the session. It fails with ErrAlreadyRunning
// if a process already exists for the id and with ErrSessionNotFound if the
// session has been removed since the caller fetched it. The whole check,
// directory creation, and spawn run under one lock, so concurrent Start calls
// on the same id yield exactly one success.
func (s *Supervisor) Start(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registry.Get(sess.ID)
	if !ok {
		return ErrSessionNotFound
	}
	if _, exists := s.handles[current.ID]; exists {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(current.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}

	cmd := s.execCommand(s.cfg.FFmpegPath, transcodeArgs(current, s.cfg.SegmentSeconds, s.cfg.PlaylistWindow)...)
	cmd.Dir = current.WorkDir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transcoder stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn transcoder: %w", err)
	}

	h := &processHandle{
		cmd:     cmd,
		workDir: current.WorkDir,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.handles[current.ID] = h

	s.log.Info("transcoder started",
		slog.String("stream_id", string(current.ID)),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("workdir", current.WorkDir))

	go s.drainStderr(current.ID, stderr, h)
	go s.watchPlaylist(current.ID, current.WorkDir, h.done)
	go s.watchExit(current.ID, h)

	return nil
}

// Stop force-terminates the session's transcoder (no grace delay) and runs
// cleanup synchronously. With no live process it still releases the session's
// working directory and registry entry; with no session either it is a no-op.
func (s *Supervisor) Stop(id StreamID) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		h.forced = true
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	}
	s.mu.Unlock()

	if ok {
		<-h.done
		s.finalize(id, h)
		return
	}

	sess, found := s.registry.Get(id)
	if !found {
		return
	}
	if err := os.RemoveAll(sess.WorkDir); err != nil {
		s.log.Error("remove working directory",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
	}
	s.registry.Remove(id)
	s.log.Info("session removed", slog.String("stream_id", string(id)))
}

// StopAll force-stops every live transcoder. Called on shutdown so no
// transcoder outlives the orchestrator.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]StreamID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Running returns the session ids that currently have a live process.
func (s *Supervisor) Running() []StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]StreamID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// RunningCount returns the number of live transcoder processes.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// drainStderr logs the transcoder's diagnostic output line by line. The
// drained channel is closed when the stream ends so exit handling never calls
// Wait with reads outstanding.
func (s *Supervisor) drainStderr(id StreamID, r io.Reader, h *processHandle) {
	defer close(h.drained)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		s.log.Debug("transcoder", slog.String("stream_id", string(id)), slog.String("line", sc.Text()))
	}
	if err := sc.Err(); err != nil {
		s.log.Debug("transcoder output closed",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
	}
}

// watchExit waits for the process to exit and drives cleanup. A forced stop
// skips the grace delay and the abnormal-exit log; a natural exit cleans up
// after TeardownGrace so viewers can finish buffered playback.
func (s *Supervisor) watchExit(id StreamID, h *processHandle) {
	<-h.drained
	err := h.cmd.Wait()
	close(h.done)

	s.mu.Lock()
	forced := h.forced
	s.mu.Unlock()

	if forced {
		// Stop runs finalize synchronously.
		return
	}

	if err != nil {
		s.log.Error("transcoder exited abnormally",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.IncTranscoderFailures()
		}
	} else {
		s.log.Info("transcoder finished", slog.String("stream_id", string(id)))
	}

	if s.cfg.TeardownGrace > 0 {
		time.Sleep(s.cfg.TeardownGrace)
	}
	s.finalize(id, h)
}

// finalize deletes the working directory and removes both the process handle
// and the session. It runs exactly once per handle no matter how many exit
// paths reach it.
func (s *Supervisor) finalize(id StreamID, h *processHandle) {
	h.cleanup.Do(func() {
		if err := os.RemoveAll(h.workDir); err != nil {
			s.log.Error("remove working directory",
				slog.String("stream_id", string(id)),
				slog.String("error", err.Error()))
		}

		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()

		s.registry.Remove(id)
		s.log.Info("session torn down", slog.String("stream_id", string(id)))
	})
}

// watchPlaylist announces the stream once the transcoder has produced its
// first playlist. Readiness is advisory: if the watch cannot be established
// the stream still works, players just poll.
func (s *Supervisor) watchPlaylist(id StreamID, dir string, done <-chan struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("playlist watch unavailable",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		return
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		s.log.Warn("playlist watch unavailable",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		return
	}

	// The playlist may already exist by the time the watch is in place.
	if _, err := os.Stat(filepath.Join(dir, playlistName)); err == nil {
		s.announceReady(id)
		return
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == playlistName &&
				(ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write)) {
				s.announceReady(id)
				return
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Debug("playlist watch error",
				slog.String("stream_id", string(id)),
				slog.String("error", werr.Error()))
		case <-done:
			return
		}
	}
}

// announceReady logs playlist availability and pushes one status snapshot to
// any viewers already subscribed.
func (s *Supervisor) announceReady(id StreamID) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return
	}
	s.log.Info("playlist ready",
		slog.String("stream_id", string(id)),
		slog.String("playlist", filepath.Join(sess.WorkDir, playlistName)))

	if s.hub != nil {
		s.hub.Publish(id, StatusEvent{
			Success: true,
			Type:    TypeInfo,
			Stream:  id,
			State:   sess.State,
			Viewers: s.hub.ViewerCount(id),
		})
	}
}

// transcodeArgs builds the transcoder invocation for a session: realtime read
// of the source so replay runs at native speed, scaling to the target
// resolution, GOP pinned to twice the frame rate so segment boundaries align
// with keyframes, and a bounded live playlist window with rotated-out
// segments deleted.
func transcodeArgs(sess Session, segmentSeconds, playlistWindow int) []string {
	gop := sess.Params.FrameRate * 2
	return []string{
		"-re",
		"-i", sess.SourcePath,
		"-vf", fmt.Sprintf("scale=%d:%d", sess.Params.Width, sess.Params.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", sess.Params.Bitrate,
		"-maxrate", sess.Params.Bitrate,
		"-bufsize", doubleBitrate(sess.Params.Bitrate),
		"-r", strconv.Itoa(sess.Params.FrameRate),
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", strconv.Itoa(playlistWindow),
		"-hls_flags", "delete_segments",
		playlistName,
	}
}

// doubleBitrate returns twice the given "<n>k" bitrate for the encoder buffer
// size, or the input unchanged if it does not parse.
func doubleBitrate(bitrate string) string {
	n, err := strconv.Atoi(strings.TrimSuffix(bitrate, "k"))
	if err != nil {
		return bitrate
	}
	return strconv.Itoa(n*2) + "k"
}
