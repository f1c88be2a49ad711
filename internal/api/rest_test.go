package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/Mediamend/internal/auth"
	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/services"
	"github.com/mescon/Mediamend/internal/testutil"
)

// =============================================================================
// Test helpers
// =============================================================================

type fakeReconciler struct {
	mu       sync.Mutex
	summary  domain.ScanSummary
	err      error
	gotScope domain.MediaType
	gotFull  bool
	calls    int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, scope domain.MediaType, forceFull bool) (domain.ScanSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotScope, f.gotFull = scope, forceFull
	return f.summary, f.err
}

type fakeSweeps struct {
	startErr  error
	canCancel bool
	progress  domain.RepairProgress
	started   int
}

func (f *fakeSweeps) Start(ctx context.Context) (*services.SweepHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started++
	f.progress = domain.RepairProgress{ID: "sweep-1", Active: true, Status: domain.SweepStatusRunning, Total: 3}
	return nil, nil
}

func (f *fakeSweeps) Cancel() bool { return f.canCancel }

func (f *fakeSweeps) Progress() domain.RepairProgress { return f.progress }

type testServer struct {
	server     *RESTServer
	store      *catalog.Store
	bus        *eventbus.EventBus
	reconciler *fakeReconciler
	sweeps     *fakeSweeps
}

func newTestServer(t *testing.T, mutate func(*ServerDeps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	bus := eventbus.NewEventBus(database)
	t.Cleanup(bus.Shutdown)

	ts := &testServer{
		store:      catalog.NewStore(database, testutil.NewMockClock()),
		bus:        bus,
		reconciler: &fakeReconciler{},
		sweeps:     &fakeSweeps{progress: domain.RepairProgress{Status: domain.SweepStatusIdle}},
	}
	deps := ServerDeps{
		Catalog:    ts.store,
		Reconciler: ts.reconciler,
		Sweeps:     ts.sweeps,
		Scheduler:  services.NewSchedulerService(),
		Events:     bus,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("mediamend_up 1\n")) }),
		MediaTypes: []domain.MediaType{"movie", "tv"},
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	ts.server = NewRESTServer(deps)
	t.Cleanup(func() { ts.server.Shutdown(context.Background()) })
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func (ts *testServer) upsert(t *testing.T, path string, mt domain.MediaType, status domain.FileStatus) {
	t.Helper()
	require.NoError(t, ts.store.Upsert(context.Background(), testutil.NewRecord(path, mt, status)))
}

// =============================================================================
// Routing and middleware
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["sweep_active"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/health", nil, "X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mediamend_up 1")
}

func TestAuthMiddleware(t *testing.T) {
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)

	ts := newTestServer(t, func(d *ServerDeps) { d.APIKeyHash = hash })

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"health is public", "/api/health", nil, http.StatusOK},
		{"no token", "/api/repair/progress", nil, http.StatusUnauthorized},
		{"wrong key", "/api/repair/progress", []string{"X-API-Key", "wrong"}, http.StatusUnauthorized},
		{"api key header", "/api/repair/progress", []string{"X-API-Key", key}, http.StatusOK},
		{"bearer token", "/api/repair/progress", []string{"Authorization", "Bearer " + key}, http.StatusOK},
		{"query token", "/api/repair/progress?token=" + key, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "GET", tt.path, nil, tt.headers...)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAuthMiddleware_LimitsFailedAttempts(t *testing.T) {
	hash, err := auth.HashAPIKey("right-key")
	require.NoError(t, err)
	ts := newTestServer(t, func(d *ServerDeps) { d.APIKeyHash = hash })

	for i := 0; i < authFailureBurst; i++ {
		w := ts.do(t, "GET", "/api/stats", nil, "X-API-Key", "wrong")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
	}
	w := ts.do(t, "GET", "/api/stats", nil, "X-API-Key", "right-key")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestOpenAPIWithoutKeyHash(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/repair/progress", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Catalog endpoints
// =============================================================================

func TestGetStats(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upsert(t, "/media/movies/a.mkv", "movie", domain.StatusPassed)
	ts.upsert(t, "/media/movies/b.mkv", "movie", domain.StatusFailed)

	w := ts.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		MediaTypes []domain.MediaTypeStats `json:"media_types"`
	}
	decode(t, w, &body)
	require.Len(t, body.MediaTypes, 2)
	assert.Equal(t, domain.MediaType("movie"), body.MediaTypes[0].MediaType)
	assert.Equal(t, 2, body.MediaTypes[0].Total)
	assert.Equal(t, 1, body.MediaTypes[0].Failed)
	assert.Equal(t, 0, body.MediaTypes[1].Total)
}

type fakeDatabaseStats struct{ err error }

func (f fakeDatabaseStats) GetDatabaseStats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"journal_mode": "wal"}, f.err
}

func TestGetStats_Database(t *testing.T) {
	ts := newTestServer(t, func(d *ServerDeps) { d.Database = fakeDatabaseStats{} })
	w := ts.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	db, ok := body["database"].(map[string]interface{})
	require.True(t, ok, "database stats missing: %v", body)
	assert.Equal(t, "wal", db["journal_mode"])

	ts = newTestServer(t, func(d *ServerDeps) { d.Database = fakeDatabaseStats{err: errors.New("disk I/O error")} })
	w = ts.do(t, "GET", "/api/stats", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetFiles(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		ts.upsert(t, "/media/movies/"+name+".mkv", "movie", domain.StatusPassed)
	}
	ts.upsert(t, "/media/movies/bad.mkv", "movie", domain.StatusFailed)
	ts.upsert(t, "/media/tv/s01e01.mkv", "tv", domain.StatusPassed)

	t.Run("paginated", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/files?media_type=movie&per_page=3&page=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Records    []domain.FileRecord `json:"records"`
			Total      int                 `json:"total"`
			Page       int                 `json:"page"`
			TotalPages int                 `json:"total_pages"`
		}
		decode(t, w, &body)
		assert.Equal(t, 4, body.Total)
		assert.Equal(t, 2, body.Page)
		assert.Equal(t, 2, body.TotalPages)
		assert.Len(t, body.Records, 1)
	})

	t.Run("status filter", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/files?media_type=movie&status=failed", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body catalog.Page
		decode(t, w, &body)
		require.Len(t, body.Records, 1)
		assert.Equal(t, "/media/movies/bad.mkv", body.Records[0].Path)
	})

	t.Run("unknown media type", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/files?media_type=music", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing media type", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/files", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad status", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/files?media_type=tv&status=broken", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetFailedFiles(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "GET", "/api/files/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"paths":[],"count":0}`, w.Body.String())

	ts.upsert(t, "/media/tv/x.mkv", "tv", domain.StatusFailed)
	ts.upsert(t, "/media/tv/y.mkv", "tv", domain.StatusPassed)

	w = ts.do(t, "GET", "/api/files/failed", nil)
	assert.JSONEq(t, `{"paths":["/media/tv/x.mkv"],"count":1}`, w.Body.String())
}

// =============================================================================
// Scans
// =============================================================================

func TestTriggerScan(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		err      error
		want     int
		wantType domain.MediaType
		wantFull bool
	}{
		{"empty body scans everything", nil, nil, http.StatusOK, "", false},
		{"scoped full scan", map[string]interface{}{"media_type": "tv", "full": true}, nil, http.StatusOK, "tv", true},
		{"unknown media type", map[string]interface{}{"media_type": "music"}, services.ErrUnknownMediaType, http.StatusBadRequest, "music", false},
		{"already running", nil, services.ErrScanInProgress, http.StatusConflict, "", false},
		{"scan failure", nil, errors.New("database is locked"), http.StatusInternalServerError, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.reconciler.summary = domain.ScanSummary{Seq: 4, Kind: domain.ScanIncremental, Validated: 2, Failed: 1}
			ts.reconciler.err = tt.err

			w := ts.do(t, "POST", "/api/scans", tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, tt.wantType, ts.reconciler.gotScope)
			assert.Equal(t, tt.wantFull, ts.reconciler.gotFull)

			if tt.want == http.StatusOK {
				var summary domain.ScanSummary
				decode(t, w, &summary)
				assert.Equal(t, int64(4), summary.Seq)
				assert.Equal(t, 1, summary.Failed)
			}
		})
	}
}

func TestTriggerScan_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/api/scans", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, ts.reconciler.calls)
}

func TestGetScanHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	_, err := ts.store.AppendScan(ctx, domain.ScanFull, []domain.MediaType{"movie"}, 12)
	require.NoError(t, err)
	_, err = ts.store.AppendScan(ctx, domain.ScanIncremental, []domain.MediaType{"movie", "tv"}, 3)
	require.NoError(t, err)

	w := ts.do(t, "GET", "/api/scans?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Scans []domain.ScanHistoryEntry `json:"scans"`
	}
	decode(t, w, &body)
	require.Len(t, body.Scans, 1)
	assert.Equal(t, 3, body.Scans[0].Examined, "newest scan first")
}

// =============================================================================
// Repair sweep
// =============================================================================

func TestStartSweep(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/repair/sweep", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var progress domain.RepairProgress
	decode(t, w, &progress)
	assert.True(t, progress.Active)
	assert.Equal(t, 3, progress.Total)

	ts.sweeps.startErr = services.ErrSweepActive
	w = ts.do(t, "POST", "/api/repair/sweep", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.sweeps.startErr = errors.New("snapshot failed")
	w = ts.do(t, "POST", "/api/repair/sweep", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSweepProgressAndCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sweeps.progress = domain.RepairProgress{Active: true, Status: domain.SweepStatusRunning, CurrentFile: "/media/movies/a.mkv", Completed: 1, Total: 2}

	w := ts.do(t, "GET", "/api/repair/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var progress domain.RepairProgress
	decode(t, w, &progress)
	assert.Equal(t, "/media/movies/a.mkv", progress.CurrentFile)

	w = ts.do(t, "POST", "/api/repair/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.sweeps.canCancel = true
	w = ts.do(t, "POST", "/api/repair/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

// =============================================================================
// System endpoints
// =============================================================================

func TestGetTools(t *testing.T) {
	t.Run("unavailable without checker", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, "GET", "/api/tools", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("reports versions", func(t *testing.T) {
		dir := t.TempDir()
		ffprobeBin := filepath.Join(dir, "ffprobe")
		mpeg := filepath.Join(dir, "ffmpeg")
		require.NoError(t, os.WriteFile(ffprobeBin, nil, 0o755))
		require.NoError(t, os.WriteFile(mpeg, nil, 0o755))

		runner := testutil.NewScriptedRunner().On(testutil.ToolVersionRule("ffprobe", "6.1.1"))
		checker := integration.NewToolChecker(runner, ffprobeBin, mpeg)
		ts := newTestServer(t, func(d *ServerDeps) { d.ToolChecker = checker })

		w := ts.do(t, "GET", "/api/tools", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Tools map[string]integration.ToolStatus `json:"tools"`
		}
		decode(t, w, &body)
		assert.True(t, body.Tools["ffprobe"].Available)
		assert.Equal(t, "6.1.1", body.Tools["ffprobe"].Version)
		assert.False(t, body.Tools["ffmpeg"].Available)

		// Health reports the missing tool.
		w = ts.do(t, "GET", "/api/health", nil)
		var health map[string]interface{}
		decode(t, w, &health)
		assert.Equal(t, "degraded", health["status"])
	})
}

func TestGetSchedules(t *testing.T) {
	scheduler := services.NewSchedulerService()
	require.NoError(t, scheduler.Schedule(services.JobScan, "0 2 * * *", func() {}))
	ts := newTestServer(t, func(d *ServerDeps) { d.Scheduler = scheduler })

	w := ts.do(t, "GET", "/api/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Jobs []services.JobInfo `json:"jobs"`
	}
	decode(t, w, &body)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "0 2 * * *", body.Jobs[0].Schedule)
}

func TestGetRecentEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.bus.Publish(testutil.NewFileValidatedEvent("/media/tv/a.mkv", "tv", domain.StatusFailed)))

	w := ts.do(t, "GET", "/api/events?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []domain.Event `json:"events"`
	}
	decode(t, w, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, domain.FileValidated, body.Events[0].EventType)
}

func TestParseLogLine(t *testing.T) {
	entry, ok := parseLogLine("2024-06-01T10:00:00Z [WARN] sweep paused on /media/movies")
	require.True(t, ok)
	assert.Equal(t, "2024-06-01T10:00:00Z", entry.Timestamp)
	assert.Equal(t, "WARN", string(entry.Level))
	assert.Equal(t, "sweep paused on /media/movies", entry.Message)

	_, ok = parseLogLine("garbage")
	assert.False(t, ok)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5m", formatUptime(5*time.Minute))
	assert.Equal(t, "2h 3m", formatUptime(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatUptime(25*time.Hour))
}

// =============================================================================
// WebSocket
// =============================================================================

func TestWebSocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.server.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.bus.Publish(domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   "sweep-1",
		EventType:     domain.SweepStarted,
		EventData:     map[string]interface{}{"total": 2},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg struct {
			Type string       `json:"type"`
			Data domain.Event `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "event" {
			continue
		}
		assert.Equal(t, domain.SweepStarted, msg.Data.EventType)
		assert.Equal(t, "sweep-1", msg.Data.AggregateID)
		return
	}
}

func TestWebSocketHub_CloseDisconnectsClients(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.server.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.server.hub.Close()
	ts.server.hub.Close()

	assert.Eventually(t, func() bool { return ts.server.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://mediamend.local:3095", true},
		{"http://evil.example", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://mediamend.local:3095/api/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameOrigin(r), "origin %q", tt.origin)
	}
}

func TestBasePath(t *testing.T) {
	ts := newTestServer(t, func(d *ServerDeps) { d.BasePath = "/mediamend/" })

	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/mediamend/api/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/health", nil).Code)
	// Prometheus scrapes the root path regardless of the base path.
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/metrics", nil).Code)
}
