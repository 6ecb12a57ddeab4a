package segment

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/EasyDarwin/EasyCapture/utils"
	"github.com/fsnotify/fsnotify"
)

// Enqueuer accepts detected segments. It reports whether the row was new.
type Enqueuer interface {
	Enqueue(ctx context.Context, seg *models.Segment) (bool, error)
}

// Detector turns segment files appearing under root into outbox rows.
// Files are found through filesystem notifications and through full
// scans at start and every rescanInterval; the outbox deduplicates.
type Detector struct {
	root           string
	ext            string
	rescanInterval time.Duration
	queue          Enqueuer
}

func NewDetector(root, ext string, queue Enqueuer, rescanInterval time.Duration) *Detector {
	return &Detector{
		root:           filepath.Clean(root),
		ext:            strings.TrimPrefix(ext, "."),
		rescanInterval: rescanInterval,
		queue:          queue,
	}
}

// Run watches until ctx is done. The watch is armed before the start-up
// scan so files closed in between are seen by at least one of them.
func (d *Detector) Run(ctx context.Context) error {
	if err := utils.EnsureDir(d.root); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := d.watchTree(w, d.root); err != nil {
		return err
	}
	if n, err := d.Rescan(ctx); err != nil {
		log.Warnf("segment rescan: %v", err)
	} else {
		log.Infof("segment rescan enqueued %d file(s) under %s", n, d.root)
	}

	var rescan <-chan time.Time
	if d.rescanInterval > 0 {
		ticker := time.NewTicker(d.rescanInterval)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.handle(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("segment watcher: %v", err)
		case <-rescan:
			if n, err := d.Rescan(ctx); err != nil {
				log.Warnf("segment rescan: %v", err)
			} else if n > 0 {
				log.Infof("segment rescan picked up %d missed file(s)", n)
			}
		}
	}
}

func (d *Detector) handle(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// directories created in one MkdirAll arrive as a single event
		if err := d.watchTree(w, ev.Name); err != nil {
			log.Warnf("watch %s: %v", ev.Name, err)
		}
		if _, err := d.scan(ctx, ev.Name); err != nil {
			log.Warnf("scan %s: %v", ev.Name, err)
		}
		return
	}
	if _, err := d.Offer(ctx, ev.Name); err != nil {
		log.Errorf("enqueue %s: %v", ev.Name, err)
	}
}

// Offer enqueues file if it is a well formed segment path.
func (d *Detector) Offer(ctx context.Context, file string) (bool, error) {
	meta, ok := ParsePath(d.root, file, d.ext)
	if !ok {
		return false, nil
	}
	inserted, err := d.queue.Enqueue(ctx, meta.Segment(file))
	if err != nil {
		return false, err
	}
	if inserted {
		log.Debugf("segment queued %s", meta.ObjectKey)
	}
	return inserted, nil
}

// Rescan walks the whole root and returns how many new rows it created.
func (d *Detector) Rescan(ctx context.Context) (int, error) {
	return d.scan(ctx, d.root)
}

func (d *Detector) scan(ctx context.Context, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			// entries may vanish once uploaded
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		inserted, err := d.Offer(ctx, p)
		if err != nil {
			return err
		}
		if inserted {
			n++
		}
		return nil
	})
	return n, err
}

func (d *Detector) watchTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}
