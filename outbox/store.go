package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("segment not found")
	ErrStatusConflict = errors.New("segment is not in the expected status")
)

// Store is the durable outbox of closed segments.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts seg as pending. It reports false when a row for the
// same local path already exists; the existing row is left untouched.
func (s *Store) Enqueue(ctx context.Context, seg *models.Segment) (bool, error) {
	seg.ID = 0
	seg.Status = models.SegmentPending
	seg.RetryCount = 0
	seg.NextRetryAt = nil
	seg.LastError = nil
	seg.StartTime = seg.StartTime.UTC()

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "local_path"}}, DoNothing: true}).
		Create(seg)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue %s: %w", seg.LocalPath, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// NextDue returns the oldest pending segment whose retry time has passed,
// or nil when nothing is due.
func (s *Store) NextDue(ctx context.Context, now time.Time) (*models.Segment, error) {
	var seg models.Segment
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.SegmentPending, now.UTC()).
		Order("created_at ASC").Order("id ASC").
		Take(&seg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *Store) MarkUploading(ctx context.Context, id uint) error {
	return s.transition(ctx, id, models.SegmentPending, map[string]interface{}{
		"status": models.SegmentUploading,
	})
}

func (s *Store) MarkUploaded(ctx context.Context, id uint) error {
	return s.transition(ctx, id, models.SegmentUploading, map[string]interface{}{
		"status":        models.SegmentUploaded,
		"next_retry_at": nil,
		"last_error":    nil,
	})
}

// Reschedule moves an uploading segment back to pending with its new retry
// count, the earliest time it may be tried again and the failure reason.
func (s *Store) Reschedule(ctx context.Context, id uint, retryCount int, next time.Time, cause string) error {
	return s.transition(ctx, id, models.SegmentUploading, map[string]interface{}{
		"status":        models.SegmentPending,
		"retry_count":   retryCount,
		"next_retry_at": next.UTC().Truncate(time.Second),
		"last_error":    cause,
	})
}

func (s *Store) transition(ctx context.Context, id uint, from models.SegmentStatus, updates map[string]interface{}) error {
	updates["updated_at"] = models.Now()
	res := s.db.WithContext(ctx).Model(&models.Segment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("segment %d: want %s: %w", id, from, ErrStatusConflict)
}

// RequeueInFlight returns segments left uploading by a previous run to
// pending. Call it once at boot before the worker starts.
func (s *Store) RequeueInFlight(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Segment{}).
		Where("status = ?", models.SegmentUploading).
		Updates(map[string]interface{}{
			"status":     models.SegmentPending,
			"updated_at": models.Now(),
		})
	return res.RowsAffected, res.Error
}

// PruneUploaded deletes uploaded rows last touched before the cutoff. The
// local file of each row is removed first; a row whose file cannot be
// removed is kept, otherwise the next rescan would queue the file again.
func (s *Store) PruneUploaded(ctx context.Context, before time.Time) (int64, error) {
	var segs []models.Segment
	err := s.db.WithContext(ctx).Select("id", "local_path").
		Where("status = ? AND updated_at < ?", models.SegmentUploaded, before.UTC()).
		Find(&segs).Error
	if err != nil {
		return 0, err
	}
	ids := make([]uint, 0, len(segs))
	for _, seg := range segs {
		if err := os.Remove(seg.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("keep uploaded segment %d, local file still present: %v", seg.ID, err)
			continue
		}
		ids = append(ids, seg.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("id IN ? AND status = ?", ids, models.SegmentUploaded).
		Delete(&models.Segment{})
	return res.RowsAffected, res.Error
}

func (s *Store) Get(ctx context.Context, id uint) (*models.Segment, error) {
	var seg models.Segment
	err := s.db.WithContext(ctx).Take(&seg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// List returns up to limit segments, newest first. An empty status lists all.
func (s *Store) List(ctx context.Context, status models.SegmentStatus, limit int) ([]models.Segment, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var segs []models.Segment
	if err := q.Find(&segs).Error; err != nil {
		return nil, err
	}
	return segs, nil
}

// Counts returns the number of rows per status.
func (s *Store) Counts(ctx context.Context) (map[models.SegmentStatus]int64, error) {
	var rows []struct {
		Status models.SegmentStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.Segment{}).
		Select("status, count(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[models.SegmentStatus]int64{
		models.SegmentPending:   0,
		models.SegmentUploading: 0,
		models.SegmentUploaded:  0,
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
