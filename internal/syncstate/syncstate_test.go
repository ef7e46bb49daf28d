package syncstate

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestTryAdvance(t *testing.T) {
	tbl := New()
	key := EVSEKey("E1")

	assert.Equal(t, Apply, tbl.TryAdvance(key, t0, "h1"))
	assert.Equal(t, Unchanged, tbl.TryAdvance(key, t0.Add(time.Second), "h1"))
	assert.Equal(t, Stale, tbl.TryAdvance(key, t0, "h2"))
	assert.Equal(t, Stale, tbl.TryAdvance(key, t0.Add(-time.Second), "h2"))
	assert.Equal(t, Apply, tbl.TryAdvance(key, t0.Add(time.Second), "h2"))

	s, ok := tbl.Get(key)
	require.True(t, ok)
	assert.Equal(t, "h2", s.Hash)
	assert.Equal(t, t0.Add(time.Second), s.LastApplied)
}

func TestPendingAcceptsReplay(t *testing.T) {
	tbl := New()
	key := StatusKey("E1")

	require.Equal(t, Apply, tbl.TryAdvance(key, t0, ""))
	tbl.MarkPending(key, t0)
	assert.Equal(t, []string{key}, tbl.Pending())

	assert.Equal(t, Stale, tbl.TryAdvance(key, t0.Add(-time.Minute), ""))
	assert.Equal(t, Apply, tbl.TryAdvance(key, t0, ""))
	assert.Empty(t, tbl.Pending())
	assert.Equal(t, Stale, tbl.TryAdvance(key, t0, ""))
}

func TestMarkPendingIgnoresSupersededWrite(t *testing.T) {
	tbl := New()
	key := StatusKey("E1")
	require.Equal(t, Apply, tbl.TryAdvance(key, t0, ""))
	require.Equal(t, Apply, tbl.TryAdvance(key, t0.Add(time.Second), ""))

	tbl.MarkPending(key, t0)
	s, _ := tbl.Get(key)
	assert.False(t, s.Pending)
}

func TestRecordNeverMovesBackwards(t *testing.T) {
	tbl := New()
	key := LocationKey("P1")
	tbl.Record(key, t0.Add(time.Hour), "a")
	tbl.Record(key, t0, "b")

	s, _ := tbl.Get(key)
	assert.Equal(t, t0.Add(time.Hour), s.LastApplied)
	assert.Equal(t, "a", s.Hash)

	tbl.Record(key, t0.Add(2*time.Hour), "c")
	s, _ = tbl.Get(key)
	assert.Equal(t, "c", s.Hash)

	tbl.Forget(key)
	_, ok := tbl.Get(key)
	assert.False(t, ok)
}

// Whatever order concurrent updates arrive in, exactly the newest one is the
// last to be applied.
func TestConcurrentUpdatesConvergeOnNewest(t *testing.T) {
	for round := 0; round < 50; round++ {
		tbl := New()
		key := StatusKey("E1")
		stamps := make([]time.Time, 16)
		for i := range stamps {
			stamps[i] = t0.Add(time.Duration(i) * time.Second)
		}
		rand.Shuffle(len(stamps), func(i, j int) { stamps[i], stamps[j] = stamps[j], stamps[i] })

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied []time.Time
		)
		for _, ts := range stamps {
			wg.Add(1)
			go func(ts time.Time) {
				defer wg.Done()
				if tbl.TryAdvance(key, ts, "") == Apply {
					mu.Lock()
					applied = append(applied, ts)
					mu.Unlock()
				}
			}(ts)
		}
		wg.Wait()

		s, _ := tbl.Get(key)
		assert.Equal(t, t0.Add(15*time.Second), s.LastApplied)
		assert.Contains(t, applied, t0.Add(15*time.Second))
	}
}

func TestSplitKey(t *testing.T) {
	kind, id := SplitKey(EVSEKey("DE*GEF*E1:2"))
	assert.Equal(t, KindEVSE, kind)
	assert.Equal(t, "DE*GEF*E1:2", id)

	kind, id = SplitKey(LocationKey("P1"))
	assert.Equal(t, KindLocation, kind)
	assert.Equal(t, "P1", id)
}
