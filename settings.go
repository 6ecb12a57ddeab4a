package main

import (
	"time"

	"github.com/EasyDarwin/EasyCapture/capture"
	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/outbox"
	"github.com/EasyDarwin/EasyCapture/storage"
	"github.com/EasyDarwin/EasyCapture/utils"
	"github.com/kr/pretty"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

type settings struct {
	HTTPPort      int
	InternalToken string
	Pprof         bool

	Capture        capture.Options
	FFmpegBinary   string
	DBFile         string
	Worker         outbox.WorkerOptions
	RescanInterval time.Duration
	PruneAfter     time.Duration

	Storage     storage.Config
	JobsAPIBase string
	JobsAPIKey  string
	JobsTimeout time.Duration
}

func loadSettings() *settings {
	c := utils.Conf()
	s := &settings{
		HTTPPort:      c.GetInt("http.port"),
		InternalToken: c.GetString("http.internal_token"),
		Pprof:         c.GetBool("http.pprof"),

		FFmpegBinary: c.GetString("capture.ffmpeg_binary"),
		Capture: capture.Options{
			Root:            c.GetString("capture.root"),
			LogDir:          c.GetString("capture.log_dir"),
			Extension:       c.GetString("capture.extension"),
			SegmentSeconds:  c.GetInt("capture.segment_seconds"),
			AlignFirstCut:   c.GetBool("capture.align_first_cut"),
			StartupWindow:   time.Duration(c.GetInt("capture.startup_window_seconds")) * time.Second,
			GracefulTimeout: c.GetDuration("capture.graceful_timeout"),
			KillTimeout:     c.GetDuration("capture.kill_timeout"),
			JoinTimeout:     c.GetDuration("capture.join_timeout"),
		},

		DBFile: c.GetString("outbox.db_file"),
		Worker: outbox.WorkerOptions{
			Root:         c.GetString("capture.root"),
			IdleInterval: c.GetDuration("outbox.idle_interval"),
			Stability: outbox.StabilityOptions{
				MinAge:       c.GetDuration("outbox.stable_min_age"),
				StableFor:    c.GetDuration("outbox.stable_for"),
				PollInterval: 500 * time.Millisecond,
				MaxWait:      c.GetDuration("outbox.stable_max_wait"),
			},
		},
		RescanInterval: c.GetDuration("outbox.rescan_interval"),
		PruneAfter:     c.GetDuration("outbox.prune_after"),

		Storage: storage.Config{
			Endpoint:  c.GetString("storage.endpoint"),
			Region:    c.GetString("storage.region"),
			AccessKey: c.GetString("storage.access_key"),
			SecretKey: c.GetString("storage.secret_key"),
			Bucket:    c.GetString("storage.bucket"),
			PathStyle: c.GetBool("storage.path_style"),
		},
		JobsAPIBase: c.GetString("jobs.api_base"),
		JobsAPIKey:  c.GetString("jobs.api_key"),
		JobsTimeout: c.GetDuration("jobs.timeout"),
	}
	s.Capture.Builder = capture.FFmpegCommand(s.FFmpegBinary)
	return s
}

func setupLogging() {
	c := utils.Conf()
	if c.GetString("log.format") == "easy" {
		log.SetLogFormatter(&easy.Formatter{
			TimestampFormat: "2006-01-02 15:04:05",
			LogFormat:       "[%time%][%lvl%]: %msg%\n",
		})
	}
	level := c.GetString("log.level")
	if c.GetBool("debug") {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		log.Warnf("unknown log level %q, keeping %s", level, log.GetLevel())
	}
}

func (s *settings) dump() {
	redacted := *s
	if redacted.Storage.SecretKey != "" {
		redacted.Storage.SecretKey = "***"
	}
	if redacted.JobsAPIKey != "" {
		redacted.JobsAPIKey = "***"
	}
	if redacted.InternalToken != "" {
		redacted.InternalToken = "***"
	}
	redacted.Capture.Builder = nil
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(redacted))
}
