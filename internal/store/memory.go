package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasnoah/stagegate/internal/events"
)

// MemoryStore keeps everything in process memory. Snapshots are copied on
// the way in and out.
type MemoryStore struct {
	mu     sync.Mutex
	snaps  map[string]*Snapshot
	events map[string][]events.Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: map[string]*Snapshot{}, events: map[string][]events.Event{}}
}

func (s *MemoryStore) Get(ctx context.Context, session string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[session]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", session, ErrNotFound)
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil || snap.Run == nil {
		return errors.New("create run: nil snapshot")
	}
	if err := ValidateSession(snap.Run.Session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.Run.Session]; ok {
		return fmt.Errorf("session %s: %w", snap.Run.Session, ErrExists)
	}
	c := snap.Clone()
	c.normalize()
	s.snaps[snap.Run.Session] = c
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, session string, fn func(*Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.snaps[session]
	if !ok {
		return fmt.Errorf("session %s: %w", session, ErrNotFound)
	}
	snap := cur.Clone()
	if err := fn(snap); err != nil {
		return err
	}
	snap.normalize()
	s.snaps[session] = snap
	return nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, session string, evs []events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[session] = append(s.events[session], evs...)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, session string) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events[session]...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, session string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[session]; !ok {
		return fmt.Errorf("session %s: %w", session, ErrNotFound)
	}
	delete(s.snaps, session)
	delete(s.events, session)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.snaps))
	for k := range s.snaps {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
