//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "faces",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := New(ctx, Config{
		DSN: fmt.Sprintf("postgres://test:test@%s:%s/faces?sslmode=disable", host, port.Port()),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestStoreAgainstPostgres(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	src := crawler.Source{
		ID: "src-1", Name: "acme", Kind: crawler.SourceKindWebsite, BaseURL: "https://acme.test",
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSource(ctx, src))
	require.ErrorIs(t, store.CreateSource(ctx, crawler.Source{ID: "src-2", Name: "acme", Kind: crawler.SourceKindWebsite, CreatedAt: now, UpdatedAt: now}), crawler.ErrDuplicate)

	t.Run("job lifecycle", func(t *testing.T) {
		job := crawler.Job{ID: "job-1", SourceID: src.ID, Status: crawler.JobStatusQueued, Trigger: crawler.TriggerManual, Attempt: 1, CreatedAt: now}
		require.NoError(t, store.CreateJob(ctx, job))

		active, err := store.HasActiveJob(ctx, src.ID)
		require.NoError(t, err)
		assert.True(t, active)

		require.NoError(t, store.TransitionJob(ctx, job.ID, crawler.JobStatusRunning, "", now))
		require.NoError(t, store.UpdateJobCounters(ctx, job.ID, crawler.JobCounters{PagesCrawled: 3, ImagesFound: 2}))
		require.NoError(t, store.TransitionJob(ctx, job.ID, crawler.JobStatusFailed, "boom", now))
		require.ErrorIs(t, store.UpdateJobCounters(ctx, job.ID, crawler.JobCounters{PagesCrawled: 4}), crawler.ErrJobTerminal)

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, crawler.JobStatusFailed, got.Status)
		assert.Equal(t, "boom", got.Message)
		assert.Equal(t, 3, got.Counters.PagesCrawled)
		require.NotNil(t, got.FinishedAt)

		failures, err := store.CountRecentFailures(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, failures)
	})

	t.Run("images and faces", func(t *testing.T) {
		img := crawler.DownloadedImage{
			ID: "img-1", SourceID: src.ID, SourceURL: "https://acme.test/a.jpg", URLHash: "u1", ContentHash: "c1",
			StoragePath: "file:///tmp/a.jpg", Width: 100, Height: 100, ByteSize: 10, CreatedAt: now,
		}
		require.NoError(t, store.CreateImage(ctx, img))
		require.ErrorIs(t, store.CreateImage(ctx, crawler.DownloadedImage{ID: "img-2", URLHash: "u2", ContentHash: "c1", CreatedAt: now}), crawler.ErrDuplicate)

		found, ok, err := store.FindImageByHashes(ctx, "other", "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "img-1", found.ID)

		for i, vec := range [][]float32{{1, 0, 0}, {0, 1, 0}} {
			require.NoError(t, store.CreateFace(ctx, crawler.IndexedFace{
				ID: fmt.Sprintf("face-%d", i), ImageID: img.ID, SourceID: src.ID, VectorIdx: int64(i + 10),
				Confidence: 0.9, Embedding: vec, CreatedAt: now,
			}))
		}
		var idx []int64
		require.NoError(t, store.ScanFaces(ctx, func(face crawler.IndexedFace) error {
			idx = append(idx, face.VectorIdx)
			return store.SetFaceVectorIdx(ctx, face.ID, int64(len(idx)-1))
		}))
		assert.Equal(t, []int64{10, 11}, idx)

		face, err := store.GetFace(ctx, "face-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), face.VectorIdx)
		assert.Equal(t, []float32{0, 1, 0}, face.Embedding)
	})
}
