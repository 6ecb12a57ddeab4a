package capture

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const logTailBytes = 4096

var writerErrorMarkers = []string{
	"Connection refused",
	"Connection timed out",
	"Connection to",
	"Error opening input",
	"Invalid data found",
	"401 Unauthorized",
	"404 Not Found",
	"No route to host",
	"Could not write header",
}

// newWriterLog returns the rotating log a stream's writer output goes to.
func newWriterLog(file string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

func writerLogName(dir string, key Key) string {
	return filepath.Join(dir, key.OwnerID+"_"+key.CameraID+".log")
}

// lastWriterError scans the tail of the writer log for the most recent line
// that explains a failed connection.
func lastWriterError(file string) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - logTailBytes
	if offset < 0 {
		offset = 0
	}
	buf, err := io.ReadAll(io.NewSectionReader(f, offset, info.Size()-offset))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		for _, marker := range writerErrorMarkers {
			if strings.Contains(line, marker) {
				return line
			}
		}
	}
	return ""
}
