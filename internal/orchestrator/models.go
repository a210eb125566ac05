package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// StreamID uniquely identifies a live replay session. It is the public handle
// viewers use to subscribe and to fetch playlists.
type StreamID string

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// StateStopped is the initial state: the source is uploaded but the
	// transcoder has not been started.
	StateStopped SessionState = "stopped"

	// StateStarted means the transcoder is producing the live feed.
	StateStarted SessionState = "started"
)

// EncodingParams are the transcoding targets chosen once at session creation
// from the probed source metadata.
type EncodingParams struct {
	Width     int
	Height    int
	FrameRate int
	Bitrate   string // transcoder bitrate string, e.g. "3000k"
}

// Session is the authoritative in-memory record of one uploaded video's
// live-replay instance.
type Session struct {
	ID     StreamID
	Token  string // host secret; knowing it makes a viewer the host
	Params EncodingParams
	State  SessionState

	SourcePath string // uploaded video file
	WorkDir    string // where the transcoder writes playlist and segments

	KeepAlive time.Time // last observed viewer/host activity
	CreatedAt time.Time
}

// newStreamID returns a random 8-character hex stream handle.
func newStreamID() (StreamID, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate stream id: %w", err)
	}
	return StreamID(hex.EncodeToString(b)), nil
}

// newToken returns a random 32-character hex host token.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
