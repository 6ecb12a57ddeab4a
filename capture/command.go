package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/utils"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// CommandBuilder prepares the writer process for one attempt of r.
type CommandBuilder func(r *Recorder) (*exec.Cmd, error)

// OutputTemplate is the strftime pattern the segment muxer names files with.
func OutputTemplate(outDir, ext string) string {
	return filepath.Join(outDir, "%Y", "%m", "%d", "%Y%m%dT%H%M%SZ."+ext)
}

// FFmpegCommand builds an ffmpeg segment recorder pulling r.SourceURL over
// TCP and cutting r.SegmentSeconds long stream-copied files.
func FFmpegCommand(binary string) CommandBuilder {
	return func(r *Recorder) (*exec.Cmd, error) {
		if err := ensureDayDirs(r.OutDir, time.Now()); err != nil {
			return nil, err
		}
		stream := ffmpeg.Input(r.SourceURL, ffmpeg.KwArgs{
			"rtsp_transport":              "tcp",
			"rtsp_flags":                  "prefer_tcp",
			"timeout":                     "5000000",
			"use_wallclock_as_timestamps": "1",
		}).
			Output(OutputTemplate(r.OutDir, r.Extension), ffmpeg.KwArgs{
				"c":                      "copy",
				"f":                      "segment",
				"segment_time":           strconv.Itoa(r.SegmentSeconds),
				"segment_format":         r.Extension,
				"segment_format_options": "movflags=+faststart",
				"reset_timestamps":       "1",
				"strftime":               "1",
				"avoid_negative_ts":      "make_zero",
			}).
			GlobalArgs("-hide_banner", "-nostdin", "-loglevel", "warning")

		cmd := exec.Command(binary, stream.GetArgs()...)
		// file names carry UTC stamps
		cmd.Env = append(os.Environ(), "TZ=UTC")
		return cmd, nil
	}
}

// ensureDayDirs creates today's and tomorrow's UTC date directories; the
// segment muxer does not create them itself.
func ensureDayDirs(outDir string, now time.Time) error {
	now = now.UTC()
	for _, day := range []time.Time{now, now.AddDate(0, 0, 1)} {
		dir := filepath.Join(outDir, day.Format("2006"), day.Format("01"), day.Format("02"))
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			quoted[i] = strconv.Quote(a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
