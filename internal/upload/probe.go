package upload

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata is the probed description of a source video.
type Metadata struct {
	Width     int
	Height    int
	FrameRate float64
}

// ProbeFunc returns video metadata for a local file path. Tests substitute
// their own.
type ProbeFunc func(ctx context.Context, path string) (Metadata, error)

// NewFFprobe returns a ProbeFunc that shells out to the given ffprobe binary,
// reading the first video stream's dimensions and frame rate.
func NewFFprobe(ffprobePath string) ProbeFunc {
	return func(ctx context.Context, path string) (Metadata, error) {
		cmd := exec.CommandContext(ctx, ffprobePath,
			"-v", "error",
			"-select_streams", "v:0",
			"-show_entries", "stream=width,height,r_frame_rate",
			"-of", "csv=p=0",
			path,
		)
		out, err := cmd.Output()
		if err != nil {
			return Metadata{}, fmt.Errorf("probe %s: %w", path, err)
		}
		return parseProbeOutput(string(out))
	}
}

// parseProbeOutput parses ffprobe's csv line "width,height,r_frame_rate",
// e.g. "1920,1080,30000/1001".
func parseProbeOutput(out string) (Metadata, error) {
	fields := strings.Split(strings.TrimSpace(out), ",")
	if len(fields) < 3 {
		return Metadata{}, fmt.Errorf("unexpected probe output %q", strings.TrimSpace(out))
	}

	width, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse width: %w", err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse height: %w", err)
	}
	fps, err := parseFrameRate(strings.TrimSpace(fields[2]))
	if err != nil {
		return Metadata{}, err
	}
	if width <= 0 || height <= 0 {
		return Metadata{}, fmt.Errorf("source has no video dimensions (%dx%d)", width, height)
	}

	return Metadata{Width: width, Height: height, FrameRate: fps}, nil
}

// parseFrameRate accepts plain ("30") and fractional ("30000/1001") rates.
func parseFrameRate(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
		if d == 0 {
			return 0, fmt.Errorf("parse frame rate %q: zero denominator", s)
		}
		return n / d, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	return f, nil
}
