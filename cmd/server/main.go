package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/geo"
	"livecast/internal/orchestrator"
	"livecast/internal/platform/config"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/upload"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	uploadDir := config.GetEnv("UPLOAD_DIR", "data/uploads")
	workDir := config.GetEnv("WORK_DIR", "data/live")
	maxUploadMB := config.GetEnvInt("MAX_UPLOAD_MB", 2048)
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	ffprobePath := config.GetEnv("FFPROBE_PATH", "ffprobe")
	segmentSeconds := config.GetEnvInt("SEGMENT_SECONDS", 2)
	playlistWindow := config.GetEnvInt("PLAYLIST_WINDOW_SIZE", 6)
	teardownGrace := config.GetEnvDuration("TEARDOWN_GRACE", 15*time.Second)
	reaperInterval := config.GetEnvDuration("REAPER_INTERVAL", 10*time.Second)
	idleTimeout := config.GetEnvDuration("IDLE_TIMEOUT", 2*time.Minute)
	orphanSweep := config.GetEnvDuration("ORPHAN_SWEEP_INTERVAL", time.Minute)
	geoAPIURL := config.GetEnv("GEO_API_URL", "")
	corsOrigin := config.GetEnv("CORS_ALLOW_ORIGIN", "*")

	log := logger.New(logLevel, logFormat)

	reg := orchestrator.NewInMemoryRegistry(workDir)
	met := metrics.New()

	var countries orchestrator.CountryResolver
	if geoAPIURL != "" {
		countries = geo.NewResolver(geoAPIURL, log)
	}

	hub := orchestrator.NewHub(reg, countries, log)
	sup := orchestrator.NewSupervisor(reg, hub, orchestrator.SupervisorConfig{
		FFmpegPath:     ffmpegPath,
		SegmentSeconds: segmentSeconds,
		PlaylistWindow: playlistWindow,
		TeardownGrace:  teardownGrace,
	}, log, met)
	reaper := orchestrator.NewReaper(reg, sup, hub, orchestrator.ReaperConfig{
		Interval:    reaperInterval,
		IdleTimeout: idleTimeout,
		OrphanSweep: orphanSweep,
	}, log, met)
	disp := orchestrator.NewDispatcher(reg, sup, hub, log, met)
	h := orchestrator.NewHandler(reg, hub, log)
	up := upload.NewHandler(reg, upload.NewFFprobe(ffprobePath), upload.Config{
		Dir:      uploadDir,
		MaxBytes: int64(maxUploadMB) << 20,
	}, log, met)

	r := chi.NewRouter()
	r.Use(corsMiddleware(corsOrigin))

	// The real-time endpoint skips the wrapping middlewares: a wrapped
	// response writer cannot be hijacked for the websocket upgrade.
	r.Get("/ws", disp.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(logger.RequestLogger(log))
		r.Use(metrics.RequestMiddleware(met))

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() {
				met.SetActiveSessions(reg.Count())
				met.SetConnectedViewers(hub.TotalViewers())
				met.SetRunningTranscoders(sup.RunningCount())
			}).ServeHTTP(w, r)
		})
		r.Post("/api/upload", up.Upload)
		r.Get("/api/streams/{stream_id}", h.GetStatus)
		r.Route("/streams/{stream_id}", func(r chi.Router) {
			r.Get("/master.m3u8", h.GetMasterPlaylist)
			r.Get("/{file}", h.GetMedia)
		})
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go reaper.Run(reaperCtx)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			sup.StopAll()
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"work_dir", workDir,
		"upload_dir", uploadDir,
		"idle_timeout", idleTimeout.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopReaper()
	shutdownErr := srv.Shutdown(ctx)

	// Transcoders must not outlive the orchestrator.
	sup.StopAll()

	if shutdownErr != nil {
		log.Error("shutdown error", "error", shutdownErr)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// corsMiddleware lets browser players served from other origins reach the
// API and playlist endpoints, and answers preflight requests for any path.
func corsMiddleware(allowOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
