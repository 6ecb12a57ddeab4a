package segment

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/models"
)

// FileTimeLayout is the UTC start stamp the writer puts in each file name.
const FileTimeLayout = "20060102T150405Z"

var (
	fileNamePattern = regexp.MustCompile(`^(\d{8}T\d{6}Z)\.([A-Za-z0-9]+)$`)
	yearPattern     = regexp.MustCompile(`^\d{4}$`)
	twoDigits       = regexp.MustCompile(`^\d{2}$`)
)

// Meta is what a segment path says about itself.
type Meta struct {
	OwnerID   string
	CameraID  string
	StartTime time.Time
	ObjectKey string
}

// ParsePath reads <root>/<owner>/<camera>/<YYYY>/<MM>/<DD>/<YYYYMMDDTHHMMSSZ>.<ext>.
// Paths outside root, with a different depth or extension, or with a
// malformed stamp are rejected.
func ParsePath(root, file, ext string) (*Meta, bool) {
	rel, err := filepath.Rel(root, file)
	if err != nil || rel == "." || escapesRoot(rel) {
		return nil, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 6 {
		return nil, false
	}
	owner, camera, year, month, day, name := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]
	if owner == "" || camera == "" {
		return nil, false
	}
	if !yearPattern.MatchString(year) || !twoDigits.MatchString(month) || !twoDigits.MatchString(day) {
		return nil, false
	}
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil || !strings.EqualFold(m[2], strings.TrimPrefix(ext, ".")) {
		return nil, false
	}
	start, err := time.ParseInLocation(FileTimeLayout, m[1], time.UTC)
	if err != nil {
		return nil, false
	}
	return &Meta{
		OwnerID:   owner,
		CameraID:  camera,
		StartTime: start,
		ObjectKey: path.Join(owner, "videos", camera, year, month, day, name),
	}, true
}

// Segment builds the outbox row for the file at localPath.
func (m *Meta) Segment(localPath string) *models.Segment {
	return &models.Segment{
		LocalPath: localPath,
		ObjectKey: m.ObjectKey,
		OwnerID:   m.OwnerID,
		CameraID:  m.CameraID,
		StartTime: m.StartTime,
		Status:    models.SegmentPending,
	}
}

// escapesRoot reports whether a filepath.Rel result leaves the root. Names
// that merely start with ".." such as "..team" stay inside.
func escapesRoot(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
