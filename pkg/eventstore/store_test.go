package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/scribe/pkg/events"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Append(ctx, "run-1", []events.Event{
				events.NewStepStartedEvent(0),
				events.NewTextDeltaEvent("a"),
			})
			require.NoError(t, err)
			require.Len(t, first, 2)
			require.Equal(t, uint64(1), first[0].Seq)
			require.Equal(t, uint64(2), first[1].Seq)

			// the next batch continues where the previous one stopped
			second, err := store.Append(ctx, "run-1", []events.Event{
				events.NewStepFinishedEvent(0, "end_turn"),
			})
			require.NoError(t, err)
			require.Equal(t, uint64(3), second[0].Seq)
		})
	}
}

func TestSequencesArePerRun(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Append(ctx, "run-1", []events.Event{events.NewTextDeltaEvent("a")})
			require.NoError(t, err)

			other, err := store.Append(ctx, "run-2", []events.Event{events.NewTextDeltaEvent("b")})
			require.NoError(t, err)
			require.Equal(t, uint64(1), other[0].Seq)
		})
	}
}

func TestReadFromIsExclusive(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Append(ctx, "run-1", []events.Event{
				events.NewStepStartedEvent(0),
				events.NewTextDeltaEvent("a"),
				events.NewStepFinishedEvent(0, "end_turn"),
			})
			require.NoError(t, err)

			all, err := store.ReadFrom(ctx, "run-1", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)

			tail, err := store.ReadFrom(ctx, "run-1", 2)
			require.NoError(t, err)
			require.Len(t, tail, 1)
			require.Equal(t, uint64(3), tail[0].Seq)
			require.Equal(t, events.EventTypeStepFinished, tail[0].Event.Type())

			empty, err := store.ReadFrom(ctx, "run-1", 3)
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestReadFromUnknownRun(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			evts, err := store.ReadFrom(context.Background(), "no-such-run", 0)
			require.NoError(t, err)
			require.Empty(t, evts)
		})
	}
}

func TestSQLiteRoundTripsTypedEvents(t *testing.T) {
	store, err := NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Append(ctx, "run-1", []events.Event{
		events.NewToolCallEvent(events.ToolCall{ID: "tc-1", Name: "search"}),
	})
	require.NoError(t, err)

	read, err := store.ReadFrom(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, read, 1)

	call, ok := read[0].Event.(*events.EventToolCall)
	require.True(t, ok)
	require.Equal(t, "tc-1", call.ToolCall.ID)
	require.False(t, read[0].CapturedAt.IsZero())
}

func TestConcurrentAppendsToOneRun(t *testing.T) {
	store, err := NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	// Appends from parallel writers take the write lock up front and queue on
	// the driver's busy timeout, so every batch lands with its own sequence.
	const writers = 2
	const batches = 10
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			for j := 0; j < batches; j++ {
				if _, err := store.Append(gctx, "run-1",
					[]events.Event{events.NewTextDeltaEvent("chunk")}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	all, err := store.ReadFrom(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, all, writers*batches)
	for i, se := range all {
		require.Equal(t, uint64(i+1), se.Seq)
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	store, err := NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)

	stored, err := store.Append(context.Background(), "run-1", nil)
	require.NoError(t, err)
	require.Empty(t, stored)
}
