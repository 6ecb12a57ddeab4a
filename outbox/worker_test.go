package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EasyDarwin/EasyCapture/jobs"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	mu       sync.Mutex
	failures int
	uploads  []string
}

func (f *fakeObjects) Upload(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeObjects) URI(key string) string {
	return "s3://media-bucket/" + key
}

type fakeJobs struct {
	mu       sync.Mutex
	requests []jobs.Request
	err      error
	failures int
}

func (f *fakeJobs) Register(_ context.Context, req jobs.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return &jobs.StatusError{Code: 503, Body: "unavailable"}
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func enqueueFile(t *testing.T, s *Store, root, rel string) *models.Segment {
	t.Helper()
	file := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("segment"), 0o644))

	seg := &models.Segment{
		LocalPath: file,
		ObjectKey: "u1/videos/cam1/2024/05/01/" + filepath.Base(file),
		OwnerID:   "u1",
		CameraID:  "cam1",
		StartTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	inserted, err := s.Enqueue(context.Background(), seg)
	require.NoError(t, err)
	require.True(t, inserted)
	return seg
}

func TestWorkerRetriesThenDelivers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := newTestStore(t)
	seg := enqueueFile(t, s, root, "u1/cam1/2024/05/01/20240501T120000Z.mp4")

	objects := &fakeObjects{failures: 2}
	registrar := &fakeJobs{}
	w := NewWorker(s, objects, registrar, WorkerOptions{Root: root})
	clock := time.Now().UTC().Truncate(time.Second)
	w.now = func() time.Time { return clock }

	worked, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(clock.Add(10*time.Second)))

	worked, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "not due before its retry time")

	clock = clock.Add(10 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	got, err = s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.NextRetryAt.Equal(clock.Add(20*time.Second)))
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "connection reset by peer")
	assert.Equal(t, 0, registrar.count())

	clock = clock.Add(20 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	got, err = s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentUploaded, got.Status)
	assert.Equal(t, []string{seg.ObjectKey}, objects.uploads)

	require.Equal(t, 1, registrar.count())
	req := registrar.requests[0]
	assert.Equal(t, jobs.TypeVideoDescription, req.Type)
	assert.Equal(t, "s3://media-bucket/"+seg.ObjectKey, req.InputURL)
	assert.Equal(t, jobs.Params{VideoStartTime: "2024-05-01T12:00:00Z", UserID: "u1", CameraID: "cam1"}, req.Params)

	_, err = os.Stat(seg.LocalPath)
	assert.True(t, os.IsNotExist(err), "local file is removed after delivery")
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "emptied directories are pruned up to the root")

	worked, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorkerJobFailureKeepsFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := newTestStore(t)
	seg := enqueueFile(t, s, root, "u1/cam1/2024/05/01/20240501T120000Z.mp4")

	registrar := &fakeJobs{err: &jobs.StatusError{Code: 500, Body: "oops"}}
	w := NewWorker(s, &fakeObjects{}, registrar, WorkerOptions{Root: root})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, *got.LastError, "register job")
	_, err = os.Stat(seg.LocalPath)
	assert.NoError(t, err)
}

func TestWorkerJobFailureUploadsAgain(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := newTestStore(t)
	seg := enqueueFile(t, s, root, "u1/cam1/2024/05/01/20240501T120000Z.mp4")

	objects := &fakeObjects{}
	registrar := &fakeJobs{failures: 1}
	w := NewWorker(s, objects, registrar, WorkerOptions{Root: root})
	clock := time.Now().UTC().Truncate(time.Second)
	w.now = func() time.Time { return clock }

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	got, err := s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentPending, got.Status)
	assert.Len(t, objects.uploads, 1, "object was written before the job call failed")

	clock = clock.Add(10 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	got, err = s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentUploaded, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{seg.ObjectKey, seg.ObjectKey}, objects.uploads, "upload repeats with the job call")
	assert.Equal(t, 1, registrar.count())
	_, err = os.Stat(seg.LocalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerMissingFileIsRetried(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := newTestStore(t)
	seg := enqueueFile(t, s, root, "u1/cam1/2024/05/01/20240501T120000Z.mp4")
	require.NoError(t, os.Remove(seg.LocalPath))

	w := NewWorker(s, &fakeObjects{}, &fakeJobs{}, WorkerOptions{Root: root})
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestWorkerRun(t *testing.T) {
	root := t.TempDir()
	s := newTestStore(t)
	seg := enqueueFile(t, s, root, "u1/cam1/2024/05/01/20240501T120000Z.mp4")

	registrar := &fakeJobs{}
	w := NewWorker(s, &fakeObjects{}, registrar, WorkerOptions{Root: root, IdleInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), seg.ID)
		return err == nil && got.Status == models.SegmentUploaded
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 1, registrar.count())
}

func TestPruneEmptyDirsKeepsToday(t *testing.T) {
	root := t.TempDir()
	now := time.Now().UTC()
	today := filepath.Join(root, "u1", "cam1", now.Format("2006"), now.Format("01"), now.Format("02"))
	old := filepath.Join(root, "u1", "cam1", "2020", "01", "01")
	require.NoError(t, os.MkdirAll(today, 0o755))
	require.NoError(t, os.MkdirAll(old, 0o755))

	pruneEmptyDirs(today, root, now)
	_, err := os.Stat(today)
	assert.NoError(t, err)

	pruneEmptyDirs(old, root, now)
	_, err = os.Stat(filepath.Join(root, "u1", "cam1", "2020"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "u1", "cam1"))
	assert.NoError(t, err, "stops at the first non-empty parent")

	pruneEmptyDirs(root, root, now)
	_, err = os.Stat(root)
	assert.NoError(t, err, "never removes the root")
}

func TestPruneEmptyDirsDotPrefixedOwner(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "..team", "cam1", "2020", "01", "01")
	require.NoError(t, os.MkdirAll(old, 0o755))

	pruneEmptyDirs(old, root, time.Now())
	_, err := os.Stat(filepath.Join(root, "..team"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestWaitStable(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "seg.mp4")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	begin := time.Now()
	err := waitStable(ctx, file, StabilityOptions{MinAge: 150 * time.Millisecond, StableFor: 100 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 150*time.Millisecond)

	err = waitStable(ctx, file, StabilityOptions{MinAge: time.Hour, PollInterval: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond})
	assert.ErrorContains(t, err, "still changing")

	err = waitStable(ctx, filepath.Join(t.TempDir(), "gone.mp4"), StabilityOptions{})
	assert.True(t, os.IsNotExist(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = waitStable(cctx, file, StabilityOptions{MinAge: time.Hour, PollInterval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
}
