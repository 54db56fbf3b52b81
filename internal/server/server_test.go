package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/config"
	"github.com/pebl-systems/peblsync/internal/notify"
	"github.com/pebl-systems/peblsync/internal/progress"
	"github.com/pebl-systems/peblsync/internal/server"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Paths: config.PathsConfig{
			StatusDir:  filepath.Join(t.TempDir(), "status"),
			BackupRoot: t.TempDir(),
		},
		Sync: config.SyncConfig{
			Remote:         "gdrive:pebl-backups",
			StaleThreshold: time.Hour,
		},
	}
}

func getJSON(t *testing.T, srv *server.Server, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	srv := server.New(testConfig(t))

	code, body := getJSON(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusIdleWhenNothingPublished(t *testing.T) {
	srv := server.New(testConfig(t))

	code, body := getJSON(t, srv, "/api/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body["status"])
	assert.Nil(t, body["transfer"])
	assert.Nil(t, body["sync"])
}

func TestStatusReflectsActiveTransfer(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewStore(cfg.Paths.ProgressPath(), cfg.Paths.StatusPath())
	require.NoError(t, store.Write(progress.Record{
		Percent:    42,
		FilesTotal: 10,
		Status:     progress.StatusTransferring,
		Message:    "Transferring files",
	}))

	srv := server.New(cfg)
	code, body := getJSON(t, srv, "/api/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "transferring", body["status"])

	transfer, ok := body["transfer"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, transfer["percent"])
}

func TestStatusTerminalRecordReadsAsIdle(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewStore(cfg.Paths.ProgressPath(), "")
	require.NoError(t, store.Write(progress.Record{
		Percent: 100,
		Status:  progress.StatusComplete,
	}))

	srv := server.New(cfg)
	_, body := getJSON(t, srv, "/api/status")
	assert.Equal(t, "idle", body["status"])
	assert.NotNil(t, body["transfer"], "terminal record still exposed for the result screen")
}

func TestStatusStaleRecordReadsAsIdle(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewStore(cfg.Paths.ProgressPath(), "")
	require.NoError(t, store.Write(progress.Record{
		Percent:   10,
		Status:    progress.StatusTransferring,
		Timestamp: time.Now().Add(-2 * time.Hour),
	}))

	srv := server.New(cfg)
	_, body := getJSON(t, srv, "/api/status")
	assert.Equal(t, "idle", body["status"], "a dead job's leftovers must not read as active")
}

func TestStatusReflectsActiveSync(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewStore(cfg.Paths.SyncStatusPath(), "")
	require.NoError(t, store.Write(progress.Record{
		Percent: 70,
		Status:  progress.StatusActive,
	}))

	srv := server.New(cfg)
	_, body := getJSON(t, srv, "/api/status")
	assert.Equal(t, "syncing", body["status"])
}

func TestNotifications(t *testing.T) {
	cfg := testConfig(t)
	n := notify.New(cfg.Paths.NotificationsPath())
	n.Notify(notify.CategoryComplete, "USB Transfer", "42 files")

	srv := server.New(cfg)
	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var events []notify.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "USB Transfer", events[0].Title)
}

func TestRemoteInfo(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		srv := server.New(testConfig(t))
		code, _ := getJSON(t, srv, "/api/remote")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Present", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.MkdirAll(cfg.Paths.StatusDir, 0755))
		require.NoError(t, os.WriteFile(cfg.Paths.RemoteInfoPath(),
			[]byte(`{"free": 60, "file_count": 4}`), 0644))

		srv := server.New(cfg)
		code, body := getJSON(t, srv, "/api/remote")
		assert.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 60, body["free"])
	})
}
