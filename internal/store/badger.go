package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/lucasnoah/stagegate/internal/barrier"
	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// maxConflictRetries bounds how often Update retries after a transaction
// conflict with a concurrent writer.
const maxConflictRetries = 8

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	Dir string
	// InMemory ignores Dir and keeps everything in memory.
	InMemory bool
	// Logger receives badger's internal log output; nil silences it.
	Logger *slog.Logger
}

// BadgerStore keeps sessions in a badger database under the keys
//
//	run/<session>
//	barriers/<session>
//	eventseq/<session>
//	events/<session>/<seq>
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens (creating if needed) a badger-backed store.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger store: dir is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", opts.Dir, err)
		}
		bo = badger.DefaultOptions(opts.Dir)
	}
	bo = bo.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bo = bo.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func runKey(session string) []byte      { return []byte("run/" + session) }
func barriersKey(session string) []byte { return []byte("barriers/" + session) }
func seqKey(session string) []byte      { return []byte("eventseq/" + session) }
func eventPrefix(session string) []byte { return []byte("events/" + session + "/") }

func eventKey(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("events/%s/%016d", session, seq))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func readSnapshot(txn *badger.Txn, session string) (*Snapshot, error) {
	var run pipeline.Run
	if err := getJSON(txn, runKey(session), &run); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("session %s: %w", session, ErrNotFound)
		}
		return nil, fmt.Errorf("read run: %w", err)
	}
	bars := barrier.Set{}
	if err := getJSON(txn, barriersKey(session), &bars); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("read barriers: %w", err)
	}
	snap := &Snapshot{Run: &run, Barriers: bars}
	snap.normalize()
	return snap, nil
}

func writeSnapshot(txn *badger.Txn, session string, snap *Snapshot) error {
	if err := setJSON(txn, runKey(session), snap.Run); err != nil {
		return err
	}
	return setJSON(txn, barriersKey(session), snap.Barriers)
}

func (s *BadgerStore) Get(ctx context.Context, session string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	var snap *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		snap, err = readSnapshot(txn, session)
		return err
	})
	return snap, err
}

func (s *BadgerStore) Create(ctx context.Context, snap *Snapshot) error {
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
	snap.normalize()
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(session)); err == nil {
			return fmt.Errorf("session %s: %w", session, ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeSnapshot(txn, session, snap)
	})
}

// Update retries fn on a fresh read whenever the commit conflicts with a
// concurrent transaction, so fn must not have side effects outside snap.
func (s *BadgerStore) Update(ctx context.Context, session string, fn func(*Snapshot) error) error {
	if err := ValidateSession(session); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			snap, err := readSnapshot(txn, session)
			if err != nil {
				return err
			}
			if err := fn(snap); err != nil {
				return err
			}
			snap.normalize()
			return writeSnapshot(txn, session, snap)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger update conflict, retrying", "session", session, "attempt", attempt+1)
	}
	return fmt.Errorf("update session %s: %w", session, err)
}

func (s *BadgerStore) AppendEvents(ctx context.Context, session string, evs []events.Event) error {
	if err := ValidateSession(session); err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			var seq uint64
			item, err := txn.Get(seqKey(session))
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					if len(val) == 8 {
						seq = binary.BigEndian.Uint64(val)
					}
					return nil
				}); err != nil {
					return err
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			for _, e := range evs {
				seq++
				if err := setJSON(txn, eventKey(session, seq), e); err != nil {
					return err
				}
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, seq)
			return txn.Set(seqKey(session), buf)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("append events %s: %w", session, err)
}

func (s *BadgerStore) Events(ctx context.Context, session string) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	var out []events.Event
	prefix := eventPrefix(session)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e events.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(ctx context.Context, session string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSession(session); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(session)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("session %s: %w", session, ErrNotFound)
			}
			return err
		}
		keys := [][]byte{runKey(session), barriersKey(session), seqKey(session)}
		prefix := eventPrefix(session)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	prefix := []byte("run/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), "run/"))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
