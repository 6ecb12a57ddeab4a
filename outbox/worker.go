package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/jobs"
	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
)

// ObjectStore receives segment files.
type ObjectStore interface {
	Upload(ctx context.Context, key, localPath string) error
	URI(key string) string
}

// JobRegistrar announces an uploaded segment to the processing API.
type JobRegistrar interface {
	Register(ctx context.Context, req jobs.Request) error
}

type WorkerOptions struct {
	// Root is the capture root; emptied date directories below it are removed.
	Root         string
	IdleInterval time.Duration
	Stability    StabilityOptions
}

// Worker ships due segments one at a time: wait until the file is
// complete, upload it, register a job, then delete the local copy.
// Any failure reschedules the segment with exponential delay.
type Worker struct {
	store   *Store
	objects ObjectStore
	jobs    JobRegistrar
	opts    WorkerOptions
	now     func() time.Time
}

func NewWorker(store *Store, objects ObjectStore, registrar JobRegistrar, opts WorkerOptions) *Worker {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		objects: objects,
		jobs:    registrar,
		opts:    opts,
		now:     time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	log.Info("upload worker started")
	defer log.Info("upload worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Errorf("upload worker: %v", err)
		}
		if worked && err == nil {
			continue
		}
		t := time.NewTimer(w.opts.IdleInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce delivers the next due segment, if any, and reports whether
// there was one.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	seg, err := w.store.NextDue(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("next due: %w", err)
	}
	if seg == nil {
		return false, nil
	}
	return true, w.deliver(ctx, seg)
}

func (w *Worker) deliver(ctx context.Context, seg *models.Segment) error {
	logger := log.NewLogger(seg.ObjectKey, log.SegmentId)
	if err := w.store.MarkUploading(ctx, seg.ID); err != nil {
		return err
	}

	// bookkeeping must land even when shutdown cancels the transfer
	bg := context.WithoutCancel(ctx)

	if err := w.transfer(ctx, seg); err != nil {
		retries := seg.RetryCount + 1
		delay := RetryDelay(retries)
		if rerr := w.store.Reschedule(bg, seg.ID, retries, w.now().Add(delay), err.Error()); rerr != nil {
			return fmt.Errorf("reschedule segment %d: %w", seg.ID, rerr)
		}
		logger.Warnf("delivery failed (attempt %d), retrying in %s: %v", retries, delay, err)
		return nil
	}

	if err := w.store.MarkUploaded(bg, seg.ID); err != nil {
		return err
	}
	log.InfoWithFields("segment delivered", log.Fields{
		"object":  w.objects.URI(seg.ObjectKey),
		"retries": seg.RetryCount,
	})
	w.removeLocal(seg)
	return nil
}

func (w *Worker) transfer(ctx context.Context, seg *models.Segment) error {
	if err := waitStable(ctx, seg.LocalPath, w.opts.Stability); err != nil {
		return fmt.Errorf("wait for complete file: %w", err)
	}
	if err := w.objects.Upload(ctx, seg.ObjectKey, seg.LocalPath); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	req := jobs.NewVideoDescriptionRequest(w.objects.URI(seg.ObjectKey), seg.StartTime, seg.OwnerID, seg.CameraID)
	if err := w.jobs.Register(ctx, req); err != nil {
		return fmt.Errorf("register job: %w", err)
	}
	return nil
}

func (w *Worker) removeLocal(seg *models.Segment) {
	if err := os.Remove(seg.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("remove %s: %v", seg.LocalPath, err)
		return
	}
	if w.opts.Root != "" {
		pruneEmptyDirs(filepath.Dir(seg.LocalPath), w.opts.Root, w.now())
	}
}

// pruneEmptyDirs removes dir and its empty parents up to, not including,
// root. The current UTC day directory is kept for the running writer.
func pruneEmptyDirs(dir, root string, now time.Time) {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || escapesRoot(rel) {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 5 && strings.Join(parts[2:], "/") == now.UTC().Format("2006/01/02") {
		return
	}
	for cur := filepath.Clean(dir); cur != root && strings.HasPrefix(cur, root+string(filepath.Separator)); cur = filepath.Dir(cur) {
		// Remove fails on a non-empty directory
		if err := os.Remove(cur); err != nil {
			return
		}
	}
}

// escapesRoot reports whether a filepath.Rel result leaves the root. Names
// that merely start with ".." such as "..team" stay inside.
func escapesRoot(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
