package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T) (*Handler, *InMemoryRegistry, *Hub) {
	t.Helper()
	log := newTestLogger()
	reg := NewInMemoryRegistry(t.TempDir())
	hub := NewHub(reg, nil, log)
	return NewHandler(reg, hub, log), reg, hub
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/api/streams/{stream_id}", h.GetStatus)
	r.Route("/streams/{stream_id}", func(r chi.Router) {
		r.Get("/master.m3u8", h.GetMasterPlaylist)
		r.Get("/{file}", h.GetMedia)
	})
	return r
}

func TestHandler_GetStatus(t *testing.T) {
	h, reg, hub := newTestHandler(t)
	r := newTestRouter(h)
	sess, _ := reg.Create("/src.mp4", EncodingParams{Width: 1280, Height: 720, FrameRate: 30, Bitrate: "3000k"})

	req := httptest.NewRequest(http.MethodGet, "/api/streams/"+string(sess.ID), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status StreamStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.Stream != sess.ID || status.State != StateStopped || status.Viewers != 0 {
		t.Errorf("unexpected status %+v", status)
	}

	t.Run("counts_viewers", func(t *testing.T) {
		v := NewViewer("203.0.113.9:4242")
		if _, err := hub.Subscribe(context.Background(), v, sess.ID, "watcher", ""); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams/"+string(sess.ID), nil))

		var status StreamStatus
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if status.Viewers != 1 {
			t.Errorf("expected 1 viewer, got %d", status.Viewers)
		}
	})
}

func TestHandler_GetStatus_unknown_stream(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/streams/deadbeef", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetMasterPlaylist(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	r := newTestRouter(h)
	sess, _ := reg.Create("/src.mp4", EncodingParams{Width: 1280, Height: 720, FrameRate: 30, Bitrate: "3000k"})

	req := httptest.NewRequest(http.MethodGet, "/streams/"+string(sess.ID)+"/master.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("expected content type %q, got %q", playlistContentType, ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"#EXTM3U",
		"BANDWIDTH=3128000",
		"RESOLUTION=1280x720",
		"FRAME-RATE=30",
		playlistName,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected playlist to contain %q:\n%s", want, body)
		}
	}
}

func TestHandler_GetMasterPlaylist_unknown_stream(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/streams/deadbeef/master.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetMedia(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	r := newTestRouter(h)
	sess, _ := reg.Create("/src.mp4", EncodingParams{})

	if err := os.MkdirAll(sess.WorkDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n"
	if err := os.WriteFile(filepath.Join(sess.WorkDir, "index.m3u8"), []byte(playlist), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sess.WorkDir, "index0.ts"), []byte{0x47, 0x40, 0x00}, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	get := func(t *testing.T, path string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("live_playlist", func(t *testing.T) {
		rec := get(t, "/streams/"+string(sess.ID)+"/index.m3u8")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
			t.Errorf("expected content type %q, got %q", playlistContentType, ct)
		}
		if rec.Body.String() != playlist {
			t.Errorf("unexpected playlist body %q", rec.Body.String())
		}
	})

	t.Run("segment", func(t *testing.T) {
		rec := get(t, "/streams/"+string(sess.ID)+"/index0.ts")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
			t.Errorf("expected content type %q, got %q", segmentContentType, ct)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		rec := get(t, "/streams/"+string(sess.ID)+"/index9.ts")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		rec := get(t, "/streams/deadbeef/index.m3u8")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("wrong_extension", func(t *testing.T) {
		rec := get(t, "/streams/"+string(sess.ID)+"/notes.txt")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestMediaFileName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"live_playlist", "index.m3u8", true},
		{"segment", "index3.ts", true},
		{"empty", "", false},
		{"parent_traversal", "../secret.ts", false},
		{"nested_path", "a/b.ts", false},
		{"backslash", `..\evil.ts`, false},
		{"hidden", ".hidden.ts", false},
		{"dot_dot", "..", false},
		{"wrong_extension", "notes.txt", false},
		{"no_extension", "index", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := mediaFileName(tc.in)
			if ok != tc.ok {
				t.Fatalf("mediaFileName(%q) ok=%v, want %v", tc.in, ok, tc.ok)
			}
			if ok && got != tc.in {
				t.Errorf("mediaFileName(%q) = %q, should be unchanged", tc.in, got)
			}
		})
	}
}
