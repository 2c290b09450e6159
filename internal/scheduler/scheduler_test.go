package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/storage/memory"
)

// guardSubmitter refuses a source while it has an unfinished submission.
type guardSubmitter struct {
	mu      sync.Mutex
	active  map[string]bool
	calls   []string
	skipped int
}

func (g *guardSubmitter) Submit(_ context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if trigger != crawler.TriggerSchedule {
		return crawler.Job{}, fmt.Errorf("unexpected trigger %s", trigger)
	}
	if g.active[sourceID] {
		g.skipped++
		return crawler.Job{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrJobActive)
	}
	g.active[sourceID] = true
	g.calls = append(g.calls, sourceID)
	return crawler.Job{ID: fmt.Sprintf("job-%d", len(g.calls)), SourceID: sourceID}, nil
}

func (g *guardSubmitter) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func seedSources(t *testing.T, store *memory.Store, sources ...crawler.Source) {
	t.Helper()
	for _, src := range sources {
		require.NoError(t, store.CreateSource(context.Background(), src))
	}
}

func TestRefreshTracksScheduledSources(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	seedSources(t, store,
		crawler.Source{ID: "hourly", Name: "a", Kind: crawler.SourceKindWebsite, Enabled: true, Schedule: "@hourly"},
		crawler.Source{ID: "off", Name: "b", Kind: crawler.SourceKindWebsite, Enabled: false, Schedule: "@hourly"},
		crawler.Source{ID: "manual", Name: "c", Kind: crawler.SourceKindWebsite, Enabled: true},
		crawler.Source{ID: "bad", Name: "d", Kind: crawler.SourceKindWebsite, Enabled: true, Schedule: "every tuesday"},
	)
	s := New(store, &guardSubmitter{active: map[string]bool{}}, zap.NewNop(), Config{})

	require.NoError(t, s.Refresh(ctx))
	runs := s.NextRuns()
	assert.Len(t, runs, 1)
	assert.Contains(t, runs, "hourly")

	src, err := store.GetSource(ctx, "manual")
	require.NoError(t, err)
	src.Schedule = "*/5 * * * *"
	require.NoError(t, store.UpdateSource(ctx, src))
	src, err = store.GetSource(ctx, "hourly")
	require.NoError(t, err)
	src.Enabled = false
	require.NoError(t, store.UpdateSource(ctx, src))

	require.NoError(t, s.Refresh(ctx))
	runs = s.NextRuns()
	assert.Len(t, runs, 1)
	assert.Contains(t, runs, "manual")
}

func TestRefreshReplacesChangedExpression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	seedSources(t, store, crawler.Source{ID: "s", Name: "a", Kind: crawler.SourceKindWebsite, Enabled: true, Schedule: "@daily"})
	s := New(store, &guardSubmitter{active: map[string]bool{}}, zap.NewNop(), Config{})
	require.NoError(t, s.Refresh(ctx))
	first := s.entries["s"]

	src, err := store.GetSource(ctx, "s")
	require.NoError(t, err)
	src.Schedule = "@weekly"
	require.NoError(t, store.UpdateSource(ctx, src))
	require.NoError(t, s.Refresh(ctx))

	assert.Equal(t, "@weekly", s.entries["s"].expr)
	assert.NotEqual(t, first.id, s.entries["s"].id)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestFireSkipsSourcesWithActiveJobs(t *testing.T) {
	t.Parallel()
	submit := &guardSubmitter{active: map[string]bool{}}
	s := New(memory.NewStore(), submit, zap.NewNop(), Config{})

	s.fire("src-1")
	s.fire("src-1")
	s.fire("src-2")

	assert.Equal(t, []string{"src-1", "src-2"}, submit.calls)
	assert.Equal(t, 1, submit.skipped)
}

func TestStartFiresOnSchedule(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	seedSources(t, store, crawler.Source{ID: "fast", Name: "a", Kind: crawler.SourceKindWebsite, Enabled: true, Schedule: "@every 1s"})
	submit := &guardSubmitter{active: map[string]bool{}}
	s := New(store, submit, zap.NewNop(), Config{RefreshInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return submit.callCount() == 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate("0 3 * * *"))
	require.NoError(t, Validate("@every 6h"))
	require.Error(t, Validate("61 * * * *"))
}
