package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/face-harvester/internal/app"
	"github.com/JakeFAU/face-harvester/internal/config"
	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// sharedApp points the command factory at one container so state in the
// in-memory store survives between command runs.
func sharedApp(t *testing.T) {
	t.Helper()
	t.Setenv("FACEHARVEST_STORAGE_DATA_DIR", filepath.Join(t.TempDir(), "sources"))
	t.Setenv("FACEHARVEST_INDEX_DIR", filepath.Join(t.TempDir(), "index"))
	t.Setenv("FACEHARVEST_INDEX_DIMENSION", "4")
	t.Setenv("FACEHARVEST_QUEUE_PROVIDER", "inline")
	t.Setenv("FACEHARVEST_LOGGING_DEVELOPMENT", "false")
	t.Setenv("FACEHARVEST_WORKER_RETRY_CEILING", "0")

	var shared *app.App
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
		if shared != nil {
			return shared, nil
		}
		a, err := app.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		shared = a
		return a, nil
	}
	t.Cleanup(func() {
		newApp = orig
		if shared != nil {
			shared.Close()
		}
	})
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSourceLifecycle(t *testing.T) {
	sharedApp(t)

	out, err := run(t, "source", "add", "acme", "--url", "https://acme.test", "--max-pages", "20", "--schedule", "@daily")
	require.NoError(t, err)
	assert.Contains(t, out, "Created source acme")

	_, err = run(t, "source", "add", "broken", "--url", "https://b.test", "--schedule", "whenever")
	require.Error(t, err)

	out, err = run(t, "source", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "@daily")
	assert.Contains(t, out, "Total: 1 sources")

	out, err = run(t, "source", "disable", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Source acme disabled")

	_, err = run(t, "source", "schedule", "acme")
	require.NoError(t, err)

	out, err = run(t, "source", "show", "acme")
	require.NoError(t, err)
	var src crawler.Source
	require.NoError(t, json.Unmarshal([]byte(out), &src))
	assert.False(t, src.Enabled)
	assert.Empty(t, src.Schedule)
	assert.Equal(t, 20, src.Config.MaxPages)

	out, err = run(t, "source", "delete", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")

	_, err = run(t, "source", "delete", "acme", "--yes")
	require.NoError(t, err)
	out, err = run(t, "source", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sources found.")
}

func TestCrawlDisabledSourceFailsJob(t *testing.T) {
	sharedApp(t)

	_, err := run(t, "source", "add", "dormant", "--url", "https://dormant.test", "--disabled")
	require.NoError(t, err)

	out, err := run(t, "crawl", "dormant")
	require.Error(t, err)
	assert.Regexp(t, `Status:\s+failed`, out)
	assert.Contains(t, err.Error(), "disabled")

	out, err = run(t, "job", "list", "--source", "dormant", "--json")
	require.NoError(t, err)
	var jobs []crawler.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, crawler.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, crawler.TriggerManual, jobs[0].Trigger)

	_, err = run(t, "job", "cancel", jobs[0].ID)
	require.Error(t, err)
}

func TestProxyCommands(t *testing.T) {
	sharedApp(t)

	out, err := run(t, "proxy", "add", "http://user:pw@10.0.0.1:8080")
	require.NoError(t, err)
	assert.Contains(t, out, "Added proxy 10.0.0.1:8080")

	list := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(list, []byte("# pool\n10.0.0.1:8080\nsocks5://10.0.0.2:1080\n"), 0o600))
	out, err = run(t, "proxy", "import", list)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 proxies (1 duplicates skipped)")

	out, err = run(t, "proxy", "list", "--json")
	require.NoError(t, err)
	var proxies []crawler.ProxyEndpoint
	require.NoError(t, json.Unmarshal([]byte(out), &proxies))
	require.Len(t, proxies, 2)

	_, err = run(t, "proxy", "delete", proxies[0].ID)
	require.NoError(t, err)
	out, err = run(t, "proxy", "reactivate")
	require.NoError(t, err)
	assert.Contains(t, out, "Reactivated 0 proxies")
}

func TestIndexStatusAndRebuild(t *testing.T) {
	sharedApp(t)

	out, err := run(t, "index", "status", "--json")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.EqualValues(t, 4, status["dimension"])
	assert.EqualValues(t, 0, status["size"])

	out, err = run(t, "index", "rebuild", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 0 faces (0 skipped)")

	out, err = run(t, "index", "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Index reset.")

	_, err = run(t, "index", "search", filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read query image")
}

func TestOneShotCommandsForceInlineQueue(t *testing.T) {
	sharedApp(t)
	t.Setenv("FACEHARVEST_QUEUE_PROVIDER", "memory")

	_, err := run(t, "source", "list")
	require.NoError(t, err)
	a, err := newApp(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.True(t, a.Dispatcher().Inline())
	assert.Equal(t, "inline", a.Config().Queue.Provider)
}

func TestServeFailsWhenPortIsTaken(t *testing.T) {
	sharedApp(t)
	t.Setenv("FACEHARVEST_SCHEDULER_ENABLED", "false")

	held, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port
	t.Setenv("FACEHARVEST_SERVER_PORT", strconv.Itoa(port))

	_, err = run(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops server")
}
