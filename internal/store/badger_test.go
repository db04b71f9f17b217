package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagegate/internal/events"
)

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newSnapshot("s1")))
	require.NoError(t, s.AppendEvents(ctx, "s1", []events.Event{
		events.New("s1", events.StageDelegated, "implement", nil, t0),
	}))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.Run.Session)

	evs, err := s.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.StageDelegated, evs[0].Type)

	// The sequence continues after a reopen.
	require.NoError(t, s.AppendEvents(ctx, "s1", []events.Event{
		events.New("s1", events.StageCompleted, "implement", nil, t0),
	}))
	evs, err = s.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.StageCompleted, evs[1].Type)
}

func TestBadgerStore_RequiresDir(t *testing.T) {
	_, err := OpenBadger(BadgerOptions{})
	assert.Error(t, err)
}

func TestBadgerStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Create(ctx, newSnapshot("s1")))

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, "s1", func(snap *Snapshot) error {
				if snap.Run.Retries == nil {
					snap.Run.Retries = map[string]int{}
				}
				snap.Run.Retries["implement"]++
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, n, snap.Run.Retries["implement"])
}

func TestBadgerStore_UnknownSession(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
