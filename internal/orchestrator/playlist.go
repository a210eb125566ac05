package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// audioBitsPerSecond is the fixed audio rate the transcoder encodes at,
// counted into the advertised variant bandwidth.
const audioBitsPerSecond = 128_000

// BuildMasterPlaylist renders the HLS master playlist for a session,
// advertising the single variant produced by the transcoder with the encoding
// targets chosen at upload time. The variant URI is relative so the playlist
// works from any mount point.
func BuildMasterPlaylist(params EncodingParams) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,FRAME-RATE=%d\n",
		bandwidthBits(params.Bitrate), params.Width, params.Height, params.FrameRate))
	b.WriteString(playlistName)
	b.WriteString("\n")

	return b.String()
}

// bandwidthBits converts a "<n>k" transcoder bitrate into the bits-per-second
// BANDWIDTH attribute, audio included. Falls back to a modest default if the
// bitrate does not parse.
func bandwidthBits(bitrate string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(bitrate, "k"))
	if err != nil {
		return 1_500_000
	}
	return n*1000 + audioBitsPerSecond
}
