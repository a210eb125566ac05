package orchestrator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Handler exposes the playback-facing HTTP endpoints using go-chi.
type Handler struct {
	registry Registry
	hub      *Hub
	log      *slog.Logger
}

// NewHandler returns a Handler over the given registry and hub.
func NewHandler(reg Registry, hub *Hub, log *slog.Logger) *Handler {
	return &Handler{registry: reg, hub: hub, log: log}
}

// StreamStatus is the JSON body of GET /api/streams/{stream_id}.
type StreamStatus struct {
	Stream  StreamID     `json:"stream"`
	State   SessionState `json:"state"`
	Viewers int          `json:"viewers"`
}

// GetStatus handles GET /api/streams/{stream_id}. Players poll it while
// waiting for the host to start the stream.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	streamID := StreamID(chi.URLParam(r, "stream_id"))
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, ok := h.registry.Get(streamID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	h.respondJSON(w, http.StatusOK, StreamStatus{
		Stream:  sess.ID,
		State:   sess.State,
		Viewers: h.hub.ViewerCount(sess.ID),
	})
}

// GetMasterPlaylist handles GET /streams/{stream_id}/master.m3u8. The master
// is synthesized from the session's encoding parameters rather than read from
// disk, so it is available as soon as the session exists.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	streamID := StreamID(chi.URLParam(r, "stream_id"))
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, ok := h.registry.Get(streamID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(BuildMasterPlaylist(sess.Params)))
}

// GetMedia handles GET /streams/{stream_id}/{file}: the live playlist and the
// segments the transcoder writes into the session's working directory.
// Unknown session ids are rejected before any filesystem access.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	streamID := StreamID(chi.URLParam(r, "stream_id"))
	sess, ok := h.registry.Get(streamID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	name, ok := mediaFileName(chi.URLParam(r, "file"))
	if !ok {
		h.log.Debug("rejected media file name",
			slog.String("stream_id", string(streamID)),
			slog.String("file", chi.URLParam(r, "file")))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	path := filepath.Join(sess.WorkDir, name)
	if _, err := os.Stat(path); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch filepath.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
	case ".ts":
		w.Header().Set("Content-Type", segmentContentType)
	}
	http.ServeFile(w, r, path)
}

// mediaFileName validates a client-supplied media file name. Only bare names
// the transcoder produces are served: no separators, no parent references,
// extension .m3u8 or .ts.
func mediaFileName(name string) (string, bool) {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return "", false
	}
	clean := filepath.Base(filepath.Clean(name))
	if clean != name || strings.HasPrefix(clean, ".") {
		return "", false
	}
	switch filepath.Ext(clean) {
	case ".m3u8", ".ts":
		return clean, true
	}
	return "", false
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
	}
}
