package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/config"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/syncer"
)

const manifest = `{
  "11": {"hash": 11, "itemCategoryHashes": [19], "displayProperties": {"name": "Eleven"}},
  "22": {"hash": 22, "itemCategoryHashes": [19], "displayProperties": {"name": "Twenty-Two"}},
  "33": {"hash": 33, "itemCategoryHashes": [1], "displayProperties": {"name": "Not an emblem"}}
}`

type staticSource struct{}

func (staticSource) Name() string { return "static" }

func (staticSource) Fetch(_ context.Context, itemID int64) rarity.Result {
	return rarity.Result{
		ItemID:  itemID,
		Percent: rarity.Float(float64(itemID) / 10),
		Label:   rarity.LabelConfirmed,
		Source:  "https://example.test/items",
		Status:  http.StatusOK,
	}
}

type readySession struct{}

func (readySession) Ready(context.Context) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Storage.BlobBackend = "memory"
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Sync.Enabled = false
	cfg.Sync.BatchPauseMs = 0
	cfg.Scraper.MinGapMs = 0
	cfg.Snapshot.DebounceMs = 10
	cfg.Progress.FlushIntervalMs = 10
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithSource(staticSource{}, readySession{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestImportThenSyncPublishesSnapshot(t *testing.T) {
	t.Parallel()
	app := build(t, testConfig(t))
	ctx := context.Background()

	n, err := app.ImportCatalog(ctx, strings.NewReader(manifest))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	res, st, err := app.SyncOnce(ctx, false)
	require.NoError(t, err)
	require.Equal(t, syncer.Started, res)
	require.Equal(t, rarity.SyncCompleted, st.State)
	require.Equal(t, 2, st.TotalItems)

	res, _, err = app.SyncOnce(ctx, false)
	require.NoError(t, err)
	require.Equal(t, syncer.AlreadySynced, res)

	h := app.Handler()
	rec := get(t, h, "/v1/rarity/22")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"percent":2.2`)

	require.Eventually(t, func() bool {
		body := get(t, h, "/v1/snapshot").Body.String()
		return strings.Contains(body, `"itemId":11`) && strings.Contains(body, `"itemId":22`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(get(t, h, "/v1/sync/runs").Body.String(), `"status":"completed"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSQLiteBackendReadiness(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "rarity.db")
	cfg.Storage.BlobBackend = "local"
	cfg.Storage.LocalDir = t.TempDir()
	app := build(t, cfg)

	require.Equal(t, http.StatusOK, get(t, app.Handler(), "/readyz").Code)
	require.Equal(t, "[]", get(t, app.Handler(), "/v1/snapshot").Body.String())
}

func TestBuildFailsOnBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Sync.Enabled = true
	cfg.Sync.Schedule = "not a schedule"

	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithSource(staticSource{}, readySession{}))
	require.ErrorContains(t, err, "parse sync schedule")
}
