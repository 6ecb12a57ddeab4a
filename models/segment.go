package models

import "time"

type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentUploading SegmentStatus = "uploading"
	SegmentUploaded  SegmentStatus = "uploaded"
)

func (s SegmentStatus) Valid() bool {
	switch s {
	case SegmentPending, SegmentUploading, SegmentUploaded:
		return true
	}
	return false
}

// Segment is one outbox row: a closed recording file waiting to be shipped.
type Segment struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	LocalPath   string        `gorm:"type:varchar(1024);uniqueIndex;not null" json:"local_path"`
	ObjectKey   string        `gorm:"type:varchar(1024);not null" json:"object_key"`
	OwnerID     string        `gorm:"type:varchar(128);not null" json:"owner_id"`
	CameraID    string        `gorm:"type:varchar(128);not null" json:"camera_id"`
	StartTime   time.Time     `gorm:"not null" json:"start_time"`
	Status      SegmentStatus `gorm:"type:varchar(16);not null;default:pending;index:idx_segment_due,priority:1" json:"status"`
	RetryCount  int           `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt *time.Time    `gorm:"index:idx_segment_due,priority:2" json:"next_retry_at"`
	LastError   *string       `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
