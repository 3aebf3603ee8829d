package session

import (
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.uber.org/zap"
)

var errRegistryClosed = errors.New("session registry closed")

// AttachFunc connects a freshly built session to outside infrastructure and
// returns the func that detaches it.
type AttachFunc func(*Session) (func() error, error)

// RegistryConfig wires a Registry. Template carries every collaborator; its
// Viewer is replaced per session.
type RegistryConfig struct {
	Template Config
	// Attach is optional; a failure is logged and the session runs without it.
	Attach AttachFunc
	Logger *zap.Logger
}

type registryEntry struct {
	session *Session
	detach  func() error
}

// Registry keeps one live session per viewer.
type Registry struct {
	mu       sync.Mutex
	template Config
	attach   AttachFunc
	logger   *zap.Logger
	sessions map[feed.ViewerID]*registryEntry
	closed   bool
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		template: cfg.Template,
		attach:   cfg.Attach,
		logger:   logger.Named("sessions"),
		sessions: make(map[feed.ViewerID]*registryEntry),
	}
}

// Get returns the viewer's session, creating it on first use.
func (r *Registry) Get(viewer feed.ViewerID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, feed.NewServiceError("session.registry", "closed", errRegistryClosed)
	}
	if entry, ok := r.sessions[viewer]; ok && entry.session.Live() {
		return entry.session, nil
	}
	cfg := r.template
	cfg.Viewer = viewer
	session, err := New(cfg)
	if err != nil {
		return nil, err
	}
	entry := &registryEntry{session: session}
	if r.attach != nil {
		detach, attachErr := r.attach(session)
		if attachErr != nil {
			r.logger.Warn("session attach failed",
				zap.String("viewer_id", viewer.String()),
				zap.Error(attachErr))
		} else {
			entry.detach = detach
		}
	}
	r.sessions[viewer] = entry
	return session, nil
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Release closes and forgets the viewer's session.
func (r *Registry) Release(viewer feed.ViewerID) {
	r.mu.Lock()
	entry, ok := r.sessions[viewer]
	delete(r.sessions, viewer)
	r.mu.Unlock()
	if ok {
		r.shutdown(viewer, entry)
	}
}

// Close releases every session; later Get calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[feed.ViewerID]*registryEntry)
	r.closed = true
	r.mu.Unlock()
	for viewer, entry := range entries {
		r.shutdown(viewer, entry)
	}
}

func (r *Registry) shutdown(viewer feed.ViewerID, entry *registryEntry) {
	if entry.detach != nil {
		if err := entry.detach(); err != nil {
			r.logger.Warn("session detach failed",
				zap.String("viewer_id", viewer.String()),
				zap.Error(err))
		}
	}
	entry.session.Close()
}
