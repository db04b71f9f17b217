// Package store persists pipeline runs, their barrier groups and their event
// logs, keyed by session id.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/lucasnoah/stagegate/internal/barrier"
	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

var (
	// ErrNotFound is returned when no run exists for a session.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned by Create when the session already has a run.
	ErrExists = errors.New("run already exists")
	// ErrInvalidSession is returned for session ids that are not safe as
	// file names or key segments.
	ErrInvalidSession = errors.New("invalid session id")
)

var sessionRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateSession rejects ids outside [A-Za-z0-9._-]+ and the dot names.
func ValidateSession(session string) error {
	if !sessionRe.MatchString(session) || session == "." || session == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSession, session)
	}
	return nil
}

// Snapshot is everything stored for one session apart from its events.
type Snapshot struct {
	Run      *pipeline.Run
	Barriers barrier.Set
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{Run: s.Run.Clone(), Barriers: s.Barriers.Clone()}
}

func (s *Snapshot) normalize() {
	if s.Barriers == nil {
		s.Barriers = barrier.Set{}
	}
}

// Store is the persistence boundary of the controller.
type Store interface {
	// Get returns the session's snapshot or ErrNotFound.
	Get(ctx context.Context, session string) (*Snapshot, error)
	// Create stores a new snapshot; ErrExists if the session already has one.
	Create(ctx context.Context, snap *Snapshot) error
	// Update runs fn on the current snapshot and writes the result. An error
	// from fn aborts the update and leaves the stored record untouched.
	Update(ctx context.Context, session string, fn func(*Snapshot) error) error
	// AppendEvents appends to the session's event log.
	AppendEvents(ctx context.Context, session string, evs []events.Event) error
	// Events returns the session's event log in append order.
	Events(ctx context.Context, session string) ([]events.Event, error)
	// Delete removes the snapshot and the event log.
	Delete(ctx context.Context, session string) error
	// List returns every stored session id in sorted order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dir), nil
	case BackendBadger:
		return OpenBadger(BadgerOptions{Dir: dir, Logger: logger})
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}
