// Package upload accepts source videos, probes them, and registers the
// resulting live-replay sessions.
package upload

import "livecast/internal/orchestrator"

// resolutionTiers are the supported encoding targets, highest first. Widths
// are the 16:9 reference; the transcoder's scale filter pins both dimensions.
var resolutionTiers = []struct{ Width, Height int }{
	{1920, 1080},
	{1280, 720},
	{854, 480},
	{640, 360},
}

// TargetResolution maps probed source dimensions to the highest tier that
// does not upscale. Sources smaller than the lowest tier keep their own
// dimensions, evened for the encoder.
func TargetResolution(width, height int) (int, int) {
	for _, t := range resolutionTiers {
		if height >= t.Height {
			return t.Width, t.Height
		}
	}
	return width - width%2, height - height%2
}

// TargetFrameRate maps a probed frame rate to a supported tier: 30 or 60.
func TargetFrameRate(fps float64) int {
	if fps > 30 {
		return 60
	}
	return 30
}

// TargetBitrate returns the transcoder bitrate string for a resolution and
// frame-rate tier.
func TargetBitrate(height, frameRate int) string {
	high := frameRate > 30
	switch {
	case height >= 1080:
		if high {
			return "6000k"
		}
		return "4500k"
	case height >= 720:
		if high {
			return "4500k"
		}
		return "3000k"
	case height >= 480:
		return "1500k"
	default:
		return "800k"
	}
}

// SelectParams derives a session's encoding targets from probed metadata.
func SelectParams(meta Metadata) orchestrator.EncodingParams {
	width, height := TargetResolution(meta.Width, meta.Height)
	fps := TargetFrameRate(meta.FrameRate)
	return orchestrator.EncodingParams{
		Width:     width,
		Height:    height,
		FrameRate: fps,
		Bitrate:   TargetBitrate(height, fps),
	}
}
