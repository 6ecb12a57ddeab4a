package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/EasyDarwin/EasyCapture/capture"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/EasyDarwin/EasyCapture/outbox"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	registry *capture.Registry
	store    *outbox.Store
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	root := t.TempDir()
	registry := capture.NewRegistry(capture.Options{
		Root:           root,
		LogDir:         t.TempDir(),
		SegmentSeconds: 30,
		StartupWindow:  2 * time.Second,
		BackoffInitial: 50 * time.Millisecond,
		BackoffMax:     200 * time.Millisecond,
		Builder: func(*capture.Recorder) (*exec.Cmd, error) {
			return exec.Command("sh", "-c", "exec sleep 30"), nil
		},
	})
	t.Cleanup(registry.Shutdown)

	db, err := models.Open(filepath.Join(t.TempDir(), "uploader.db"), "silent")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := outbox.NewStore(db)

	h := &APIHandler{Registry: registry, Outbox: store, CaptureRoot: root, Token: token}
	return &testEnv{router: NewRouter(h, false), registry: registry, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "secret")

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Contains(t, resp, "disk")
}

func TestInternalToken(t *testing.T) {
	env := newTestEnv(t, "secret")

	w := env.do(t, http.MethodGet, "/api/v1/streams", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/streams", nil, http.Header{InternalTokenHeader: {"secret"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	start := map[string]interface{}{
		"user_id":         "u1",
		"camera_id":       "cam1",
		"rtsp_url":        "rtsp://10.0.0.9/stream",
		"segment_seconds": 15,
		"align_first_cut": false,
	}
	w := env.do(t, http.MethodPost, "/api/v1/streams/start", start, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info models.Stream
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "u1/cam1", info.StreamID)
	assert.Equal(t, 15, info.SegmentSeconds)
	assert.Contains(t, []models.StreamStatus{models.StreamStarting, models.StreamRunning}, info.Status)

	// a second start returns the live stream
	w = env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]string{"user_id": "u1", "camera_id": "cam1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var again models.Stream
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, info.ID, again.ID)

	w = env.do(t, http.MethodGet, "/api/v1/streams", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Stream
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = env.do(t, http.MethodPatch, "/api/v1/streams/update", map[string]interface{}{
		"user_id": "u1", "camera_id": "cam1", "rtsp_url": "rtsp://10.0.0.9/hd", "graceful": false,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res capture.UpdateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Scheduled)
	assert.Equal(t, 15, res.NewSegmentSeconds)
	require.Eventually(t, func() bool {
		rec := env.registry.Get(capture.Key{OwnerID: "u1", CameraID: "cam1"})
		return rec != nil && rec.SourceURL == "rtsp://10.0.0.9/hd"
	}, 5*time.Second, 20*time.Millisecond)

	w = env.do(t, http.MethodPost, "/api/v1/streams/stop", map[string]string{"user_id": "u1", "camera_id": "cam1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return len(env.registry.List()) == 0 }, 10*time.Second, 20*time.Millisecond)
}

func TestStreamStartBadRequests(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]string{"camera_id": "cam1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "user_id is required")

	w = env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]string{"user_id": "u1", "camera_id": "cam1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "rtsp_url is required for a new stream")

	w = env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]interface{}{
		"user_id": "u1", "camera_id": "cam1", "rtsp_url": "rtsp://x", "startup_deadline_ts": time.Now().Add(-time.Minute).Unix(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]string{"user_id": "u1", "camera_id": "a/b", "rtsp_url": "rtsp://x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.registry.List())
}

func TestSegments(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	for _, name := range []string{"20240501T120000Z.mp4", "20240501T120030Z.mp4"} {
		_, err := env.store.Enqueue(ctx, &models.Segment{
			LocalPath: "/recordings/u1/cam1/2024/05/01/" + name,
			ObjectKey: "u1/videos/cam1/2024/05/01/" + name,
			OwnerID:   "u1",
			CameraID:  "cam1",
			StartTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/segments?status=pending&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Total int              `json:"total"`
		Rows  []models.Segment `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "u1/videos/cam1/2024/05/01/20240501T120030Z.mp4", page.Rows[0].ObjectKey)

	w = env.do(t, http.MethodGet, "/api/v1/segments?status=done", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/segments/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.EqualValues(t, 2, counts["pending"])
	assert.EqualValues(t, 0, counts["uploaded"])
}

func TestStreamUpdateDefaultsToGraceful(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/v1/streams/start", map[string]interface{}{
		"user_id": "u1", "camera_id": "cam1", "rtsp_url": "rtsp://10.0.0.9/stream", "align_first_cut": false,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPatch, "/api/v1/streams/update", map[string]interface{}{
		"user_id": "u1", "camera_id": "cam1", "segment_seconds": 60,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res capture.UpdateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Scheduled)
	assert.True(t, res.Graceful, "graceful unless the request says otherwise")
	assert.Equal(t, 60, res.NewSegmentSeconds)
}
