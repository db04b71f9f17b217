package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lucasnoah/stagegate/internal/barrier"
	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

const (
	runFile      = "run.json"
	barriersFile = "barriers.json"
	eventsFile   = "events.jsonl"
	lockDir      = ".locks"
)

// FileStore keeps each session in its own directory:
//
//	<dir>/<session>/run.json
//	<dir>/<session>/barriers.json
//	<dir>/<session>/events.jsonl
//
// Writes go through a temp file and a rename. Hooks run as separate
// processes, so every mutation holds a per-session flock under
// <dir>/.locks for its whole read-modify-write. The barrier merge on write
// stays as a second line for groups written by older binaries.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

// SessionDir returns the directory holding a session's files.
func (s *FileStore) SessionDir(session string) string {
	return filepath.Join(s.dir, session)
}

func (s *FileStore) path(session, name string) string {
	return filepath.Join(s.dir, session, name)
}

func (s *FileStore) Get(ctx context.Context, session string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	return s.read(session)
}

func (s *FileStore) read(session string) (*Snapshot, error) {
	var run pipeline.Run
	if err := ReadJSON(s.path(session, runFile), &run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", session, ErrNotFound)
		}
		return nil, fmt.Errorf("read run: %w", err)
	}
	bars, err := s.readBarriers(session)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Run: &run, Barriers: bars}
	snap.normalize()
	return snap, nil
}

func (s *FileStore) readBarriers(session string) (barrier.Set, error) {
	var bars barrier.Set
	if err := ReadJSON(s.path(session, barriersFile), &bars); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return barrier.Set{}, nil
		}
		return nil, fmt.Errorf("read barriers: %w", err)
	}
	return bars, nil
}

func (s *FileStore) Create(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil || snap.Run == nil {
		return errors.New("create run: nil snapshot")
	}
	session := snap.Run.Session
	if err := ValidateSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockSession(ctx, session)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.path(session, runFile)); err == nil {
		return fmt.Errorf("session %s: %w", session, ErrExists)
	}
	snap.normalize()
	return s.write(session, snap, false)
}

func (s *FileStore) Update(ctx context.Context, session string, fn func(*Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockSession(ctx, session)
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := s.read(session)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	snap.normalize()
	return s.write(session, snap, true)
}

func (s *FileStore) write(session string, snap *Snapshot, merge bool) error {
	bars := snap.Barriers
	if merge {
		disk, err := s.readBarriers(session)
		if err != nil {
			return err
		}
		// Only groups still present in our copy are merged; a group dropped
		// by the update (reclassification) stays dropped.
		keep := barrier.Set{}
		for name, g := range disk {
			if _, ok := bars[name]; ok {
				keep[name] = g
			}
		}
		bars.MergeFrom(keep)
	}
	if err := WriteJSON(s.path(session, barriersFile), bars); err != nil {
		return fmt.Errorf("write barriers: %w", err)
	}
	if err := WriteJSON(s.path(session, runFile), snap.Run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *FileStore) AppendEvents(ctx context.Context, session string, evs []events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockSession(ctx, session)
	if err != nil {
		return err
	}
	defer unlock()

	dir := s.SessionDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	var buf []byte
	for _, e := range evs {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	f, err := os.OpenFile(s.path(session, eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	// One write call per batch keeps a batch contiguous under O_APPEND.
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("append events: %w", err)
	}
	return f.Close()
}

func (s *FileStore) Events(ctx context.Context, session string) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(session, eventsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crashed writer is skipped.
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, session string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockSession(ctx, session)
	if err != nil {
		return err
	}
	defer unlock()

	dir := s.SessionDir(session)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("session %s: %w", session, ErrNotFound)
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || ValidateSession(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(s.path(e.Name(), runFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
