package orchestrator

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Registry defines the concurrency-safe contract for accessing and mutating
// in-memory session state. All operations are synchronous; callers must
// re-fetch a session by id after any blocking boundary instead of trusting a
// previously returned snapshot.
type Registry interface {
	// Create mints a new session in state stopped with a fresh id and host
	// token, recording the source path and the derived working directory.
	Create(sourcePath string, params EncodingParams) (Session, error)

	// Get returns a copy of the session, ok false if the id is unknown.
	Get(id StreamID) (Session, bool)

	// Touch refreshes the session's keep-alive timestamp. The timestamp never
	// moves backwards. Returns false if the id is unknown; a removed session
	// is never re-created by Touch.
	Touch(id StreamID) bool

	// SetState transitions the session's lifecycle state. The only permitted
	// transition is stopped to started; anything else returns
	// ErrInvalidTransition.
	SetState(id StreamID, state SessionState) error

	// Remove deletes the session. Removal is final for that id: subsequent
	// Touch/SetState calls report not-found rather than resurrecting it.
	Remove(id StreamID)

	// List returns copies of all sessions in unspecified order.
	List() []Session

	// Count returns the number of sessions currently registered.
	Count() int
}

var (
	// ErrSessionNotFound is returned when an operation names a session id
	// that is not in the registry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned by SetState for any transition other
	// than stopped to started.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// maxIDAttempts bounds retries when a freshly minted stream id collides with
// an existing one.
const maxIDAttempts = 10

// InMemoryRegistry is a concurrency-safe in-memory implementation of Registry.
// Sessions are stored by pointer internally; all reads hand out value copies.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	workRoot string
	sessions map[StreamID]*Session
}

// NewInMemoryRegistry constructs an empty registry. workRoot is the directory
// under which each session's working directory is placed, named by stream id.
func NewInMemoryRegistry(workRoot string) *InMemoryRegistry {
	return &InMemoryRegistry{
		workRoot: workRoot,
		sessions: make(map[StreamID]*Session),
	}
}

// Create implements Registry.Create.
func (r *InMemoryRegistry) Create(sourcePath string, params EncodingParams) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id StreamID
	for attempt := 0; ; attempt++ {
		candidate, err := newStreamID()
		if err != nil {
			return Session{}, err
		}
		if _, taken := r.sessions[candidate]; !taken {
			id = candidate
			break
		}
		if attempt >= maxIDAttempts {
			return Session{}, fmt.Errorf("no free stream id after %d attempts", maxIDAttempts)
		}
	}

	token, err := newToken()
	if err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:         id,
		Token:      token,
		Params:     params,
		State:      StateStopped,
		SourcePath: sourcePath,
		WorkDir:    filepath.Join(r.workRoot, string(id)),
		KeepAlive:  now,
		CreatedAt:  now,
	}
	r.sessions[id] = sess

	return *sess, nil
}

// Get implements Registry.Get.
func (r *InMemoryRegistry) Get(id StreamID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Touch implements Registry.Touch.
func (r *InMemoryRegistry) Touch(id StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	if now := time.Now().UTC(); now.After(sess.KeepAlive) {
		sess.KeepAlive = now
	}
	return true
}

// SetState implements Registry.SetState.
func (r *InMemoryRegistry) SetState(id StreamID, state SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State != StateStopped || state != StateStarted {
		return ErrInvalidTransition
	}
	sess.State = state
	return nil
}

// Remove implements Registry.Remove.
func (r *InMemoryRegistry) Remove(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// List implements Registry.List.
func (r *InMemoryRegistry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

// Count implements Registry.Count.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
