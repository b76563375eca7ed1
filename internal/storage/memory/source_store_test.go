package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trendscope/harvester/internal/harvest"
)

func TestSourceStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	store.PutSource(harvest.TrackingSource{ID: "src-1", Username: "craftyguy", IsActive: true})
	store.PutSource(harvest.TrackingSource{ID: "src-2", Username: "paused", IsActive: false})

	src, err := store.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStateIdle, src.RunState, "missing run state defaults to idle")

	_, err = store.GetSource(context.Background(), "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	active, err := store.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "src-1", active[0].ID)
}

func TestTransitionRunStateIsCheckAndSet(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	store.PutSource(harvest.TrackingSource{ID: "src-1", IsActive: true})

	ctx := context.Background()
	require.NoError(t, store.TransitionRunState(ctx, "src-1", harvest.RunStateIdle, harvest.RunStateQueued))
	require.ErrorIs(t, store.TransitionRunState(ctx, "src-1", harvest.RunStateIdle, harvest.RunStateQueued), harvest.ErrSourceBusy)
	require.NoError(t, store.TransitionRunState(ctx, "src-1", harvest.RunStateQueued, harvest.RunStateRunning))
	require.NoError(t, store.TransitionRunState(ctx, "src-1", harvest.RunStateRunning, harvest.RunStateIdle))

	require.ErrorIs(t, store.TransitionRunState(ctx, "missing", harvest.RunStateIdle, harvest.RunStateQueued), harvest.ErrNotFound)
}

func TestTransitionRunStateUnderContention(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	store.PutSource(harvest.TrackingSource{ID: "src-1", IsActive: true})

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.TransitionRunState(context.Background(), "src-1", harvest.RunStateIdle, harvest.RunStateQueued) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one contender may take the lease")
}

func TestTouchLastScraped(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	store.PutSource(harvest.TrackingSource{ID: "src-1", IsActive: true})

	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchLastScraped(context.Background(), "src-1", at))

	src, err := store.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.NotNil(t, src.LastScrapedAt)
	require.Equal(t, at, *src.LastScrapedAt)
}
