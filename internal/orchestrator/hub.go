package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sync"
)

// viewerSendBuffer is the outbound queue depth per connection. A viewer whose
// queue is full misses broadcasts instead of stalling the group.
const viewerSendBuffer = 32

var (
	// ErrInvalidUsername is returned when a display name fails the format
	// check: unicode letters/digits, space, ".-_@", 3 to 20 runes.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrAlreadySubscribed is returned when a connection that already holds a
	// subscription attempts another one.
	ErrAlreadySubscribed = errors.New("connection already subscribed")
)

var usernameRe = regexp.MustCompile(`^[\p{L}\p{N} .\-_@]{3,20}$`)

// CountryResolver resolves a remote address to a country code, best effort.
// Implementations return "" when the country cannot be determined.
type CountryResolver interface {
	Country(ctx context.Context, remoteAddr string) string
}

// Viewer is the per-connection attachment: the connection's identity and its
// outbound queue. It is created unsubscribed; the Hub fills in the identity
// fields exactly once, at subscription time. The host flag never changes
// afterwards.
type Viewer struct {
	remoteAddr string

	send chan []byte
	done chan struct{}

	stream     StreamID
	username   string
	country    string
	host       bool
	subscribed bool
}

// NewViewer returns an unsubscribed viewer for a connection from remoteAddr.
func NewViewer(remoteAddr string) *Viewer {
	return &Viewer{
		remoteAddr: remoteAddr,
		send:       make(chan []byte, viewerSendBuffer),
		done:       make(chan struct{}),
	}
}

// Hub manages the set of live connections watching each session and fans out
// state and chat messages to them.
type Hub struct {
	registry Registry
	geo      CountryResolver
	log      *slog.Logger

	mu     sync.RWMutex
	groups map[StreamID]map[*Viewer]struct{}
}

// NewHub returns a Hub backed by the given registry. geo may be nil to
// disable country resolution.
func NewHub(reg Registry, geo CountryResolver, log *slog.Logger) *Hub {
	return &Hub{
		registry: reg,
		geo:      geo,
		log:      log,
		groups:   make(map[StreamID]map[*Viewer]struct{}),
	}
}

// Subscribe binds the viewer to the session's subscription group. The host
// flag is computed here, once, by exact token comparison. The country lookup
// runs before the lock is taken because it can block on the network; the
// session is re-fetched afterwards rather than trusting the earlier snapshot.
func (h *Hub) Subscribe(ctx context.Context, v *Viewer, id StreamID, username, token string) (Session, error) {
	if !usernameRe.MatchString(username) {
		return Session{}, ErrInvalidUsername
	}
	if _, ok := h.registry.Get(id); !ok {
		return Session{}, ErrSessionNotFound
	}

	var country string
	if h.geo != nil {
		country = h.geo.Country(ctx, v.remoteAddr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if v.subscribed {
		return Session{}, ErrAlreadySubscribed
	}

	sess, ok := h.registry.Get(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	v.stream = id
	v.username = username
	v.country = country
	v.host = token != "" && token == sess.Token
	v.subscribed = true

	group, ok := h.groups[id]
	if !ok {
		group = make(map[*Viewer]struct{})
		h.groups[id] = group
	}
	group[v] = struct{}{}

	h.log.Info("viewer subscribed",
		slog.String("stream_id", string(id)),
		slog.String("username", username),
		slog.Bool("host", v.host),
		slog.String("remote", v.remoteAddr))

	return sess, nil
}

// Unsubscribe removes the viewer from its subscription group. Idempotent, and
// a no-op for viewers that never subscribed.
func (h *Hub) Unsubscribe(v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !v.subscribed {
		return
	}
	if group, ok := h.groups[v.stream]; ok {
		delete(group, v)
		if len(group) == 0 {
			delete(h.groups, v.stream)
		}
	}
	v.subscribed = false
}

// Publish delivers payload to every connection currently subscribed to the
// session. The payload is marshalled once; delivery to each viewer is
// non-blocking so one slow subscriber cannot hold up the rest.
func (h *Hub) Publish(id StreamID, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal broadcast",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	group := h.groups[id]
	targets := make([]*Viewer, 0, len(group))
	for v := range group {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		select {
		case v.send <- data:
		case <-v.done:
		default:
			h.log.Debug("broadcast dropped for slow viewer",
				slog.String("stream_id", string(id)),
				slog.String("username", v.username))
		}
	}
}

// ViewerCount returns the number of connections currently subscribed to the
// session. Recomputed on demand, never cached.
func (h *Hub) ViewerCount(id StreamID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.groups[id])
}

// TotalViewers returns the number of subscribed connections across all
// sessions. Used for metrics.
func (h *Hub) TotalViewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, group := range h.groups {
		n += len(group)
	}
	return n
}
