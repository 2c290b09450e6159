package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/face-harvester/internal/app"
	"github.com/JakeFAU/face-harvester/internal/config"
	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/service"
)

func testConfig(t *testing.T, queueProvider string) config.Config {
	t.Helper()
	t.Setenv("FACEHARVEST_STORAGE_DATA_DIR", filepath.Join(t.TempDir(), "sources"))
	t.Setenv("FACEHARVEST_INDEX_DIR", filepath.Join(t.TempDir(), "index"))
	t.Setenv("FACEHARVEST_INDEX_DIMENSION", "4")
	t.Setenv("FACEHARVEST_QUEUE_PROVIDER", queueProvider)
	t.Setenv("FACEHARVEST_EVENTS_PROVIDER", "memory")
	t.Setenv("FACEHARVEST_LOGGING_DEVELOPMENT", "false")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildInline(t *testing.T) {
	cfg := testConfig(t, "inline")

	a, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Service())
	assert.NotNil(t, a.Orchestrator())
	assert.NotNil(t, a.Scheduler())
	assert.True(t, a.Dispatcher().Inline())
	assert.Nil(t, a.Workers())
	assert.Equal(t, 4, a.Index().Dimension())
	assert.Equal(t, "inline", a.Config().Queue.Provider)
}

func TestBuildMemoryQueueStartsWorkers(t *testing.T) {
	cfg := testConfig(t, "memory")

	a, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Dispatcher().Inline())
	assert.NotNil(t, a.Workers())
}

func TestBuildWiresServiceToStore(t *testing.T) {
	cfg := testConfig(t, "memory")
	ctx := context.Background()

	a, err := app.Build(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	src, err := a.Service().CreateSource(ctx, service.SourceInput{
		Name: "acme", Kind: crawler.SourceKindWebsite, BaseURL: "https://acme.test", Enabled: true, Schedule: "@daily",
	})
	require.NoError(t, err)

	job, err := a.Service().TriggerJob(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, src.ID, job.SourceID)
	assert.Equal(t, crawler.JobStatusQueued, job.Status)

	require.NoError(t, a.Scheduler().Refresh(ctx))
	assert.Contains(t, a.Scheduler().NextRuns(), src.ID)
}

func TestBuildFailsOnUnusableDataDir(t *testing.T) {
	cfg := testConfig(t, "inline")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Storage.DataDir = blocker

	_, err := app.Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local blob store init failed")
}

func TestBuildFailsOnIndexDimensionChange(t *testing.T) {
	cfg := testConfig(t, "inline")
	ctx := context.Background()

	a, err := app.Build(ctx, cfg)
	require.NoError(t, err)
	_, err = a.Index().Add("face-1", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	a.Close()

	cfg.Index.Dimension = 8
	_, err = app.Build(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector index init failed")
}
