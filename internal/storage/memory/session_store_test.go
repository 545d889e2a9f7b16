package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

func TestActivateSupersedesPreviousVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewSessionStore()

	first, err := store.Activate(ctx, harvest.Session{ID: "s1", AccountID: "a1", Status: harvest.SessionOK, CreatedAt: base})
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)

	second, err := store.Activate(ctx, harvest.Session{ID: "s2", AccountID: "a1", Status: harvest.SessionOK, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)

	old, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, old.IsActive)
	require.Equal(t, base.Add(time.Hour), *old.SupersededAt)

	active, err := store.GetActive(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "s2", active.ID)

	versions, err := store.ListVersions(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, []int{versions[0].Version, versions[1].Version})
}

func TestConcurrentActivationsKeepOneActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewSessionStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Activate(ctx, harvest.Session{ID: fmt.Sprintf("s%d", i), AccountID: "a1", Status: harvest.SessionOK, CreatedAt: base})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	versions, err := store.ListVersions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, versions, 50)
	active := 0
	seen := make(map[int]bool)
	for _, s := range versions {
		if s.IsActive {
			active++
		}
		require.False(t, seen[s.Version], "duplicate version %d", s.Version)
		seen[s.Version] = true
	}
	require.Equal(t, 1, active)
	require.True(t, versions[0].IsActive)
}

func TestUpdateStateClampsRisk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewSessionStore()
	_, err := store.Activate(ctx, harvest.Session{ID: "s1", AccountID: "a1", Status: harvest.SessionOK, CreatedAt: base})
	require.NoError(t, err)

	require.NoError(t, store.UpdateState(ctx, "s1", harvest.SessionState{Status: harvest.SessionInvalid, StaleReason: "decrypt", RiskScore: 140, At: base}))
	s, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 100, s.RiskScore)
	require.Equal(t, harvest.SessionInvalid, s.Status)

	require.ErrorIs(t, store.UpdateState(ctx, "nope", harvest.SessionState{}), harvest.ErrNotFound)
	_, err = store.GetActive(ctx, "a2")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}
