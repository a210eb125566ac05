package upload

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"livecast/internal/orchestrator"
	"livecast/internal/platform/metrics"
)

// formField is the multipart field carrying the video file.
const formField = "video"

// Config carries upload intake policy. Zero values fall back to defaults in
// NewHandler.
type Config struct {
	Dir      string // where accepted source files are stored
	MaxBytes int64  // request body cap
}

// Handler accepts video uploads and turns them into registry sessions.
type Handler struct {
	registry orchestrator.Registry
	probe    ProbeFunc
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns an upload Handler. m may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(reg orchestrator.Registry, probe ProbeFunc, cfg Config, log *slog.Logger, m *metrics.Metrics) *Handler {
	if cfg.Dir == "" {
		cfg.Dir = "data/uploads"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2048 << 20
	}
	return &Handler{registry: reg, probe: probe, cfg: cfg, log: log, metrics: m}
}

// Response is the JSON body returned for an accepted video: the public
// stream handle, the host token, and the chosen encoding targets.
type Response struct {
	Stream    orchestrator.StreamID `json:"stream"`
	Token     string                `json:"token"`
	Width     int                   `json:"width"`
	Height    int                   `json:"height"`
	FrameRate int                   `json:"framerate"`
	Bitrate   string                `json:"bitrate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Upload handles POST /api/upload, multipart field "video". The file is
// sniffed, stored, probed, and registered as a new stopped session.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > h.cfg.MaxBytes {
		h.respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	// The reader cap backs up the header check for chunked or lying clients.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBytes)

	file, header, err := r.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "missing video file")
		return
	}
	defer file.Close()

	if !sniffVideo(file, header.Filename) {
		h.respondError(w, http.StatusUnsupportedMediaType, "not a video file")
		return
	}

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.log.Error("save upload", slog.String("error", err.Error()))
		h.respondError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	meta, err := h.probe(r.Context(), path)
	if err != nil {
		h.log.Info("probe rejected upload",
			slog.String("path", path),
			slog.String("error", err.Error()))
		os.Remove(path)
		h.respondError(w, http.StatusUnprocessableEntity, "could not read video metadata")
		return
	}

	params := SelectParams(meta)
	sess, err := h.registry.Create(path, params)
	if err != nil {
		h.log.Error("create session", slog.String("error", err.Error()))
		os.Remove(path)
		h.respondError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	if h.metrics != nil {
		h.metrics.IncUploads()
	}
	h.log.Info("upload accepted",
		slog.String("stream_id", string(sess.ID)),
		slog.String("source", path),
		slog.Int("width", params.Width),
		slog.Int("height", params.Height),
		slog.Int("framerate", params.FrameRate),
		slog.String("bitrate", params.Bitrate))

	h.respondJSON(w, http.StatusCreated, Response{
		Stream:    sess.ID,
		Token:     sess.Token,
		Width:     params.Width,
		Height:    params.Height,
		FrameRate: params.FrameRate,
		Bitrate:   params.Bitrate,
	})
}

// sniffVideo checks the first 512 bytes against the content-type sniffer.
// Containers the sniffer cannot identify (it reports octet-stream) fall back
// to an extension allow-list; anything identified as non-video is rejected
// regardless of its name. The reader is rewound afterwards.
func sniffVideo(f multipart.File, filename string) bool {
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	ct := http.DetectContentType(buf[:n])
	if strings.HasPrefix(ct, "video/") {
		return true
	}
	if ct == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".mp4", ".m4v", ".mov", ".mkv", ".avi":
			return true
		}
	}
	return false
}

// saveUpload streams the file into the upload directory under a random name,
// keeping the original extension for the probe.
func (h *Handler) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	name, err := randomName(filepath.Ext(filename))
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.cfg.Dir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload: %w", err)
	}

	return path, nil
}

// randomName returns a random hex file name with the given extension.
// Malformed extensions are dropped rather than rejected; the sniffer has
// already vetted the content.
func randomName(ext string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate upload name: %w", err)
	}
	ext = strings.ToLower(ext)
	if len(ext) > 5 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	return hex.EncodeToString(b) + ext, nil
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
	}
}
