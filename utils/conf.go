package utils

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/spf13/viper"
)

// FlagVarConfFile is set from the -config command line flag.
var FlagVarConfFile string

var (
	conf     *viper.Viper
	confLock sync.Mutex
)

// Conf returns the process wide configuration, loading it on first use.
func Conf() *viper.Viper {
	confLock.Lock()
	defer confLock.Unlock()
	if conf == nil {
		conf = loadConf(FlagVarConfFile)
	}
	return conf
}

func loadConf(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("easycapture")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/easycapture")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			log.Errorf("read config: %v", err)
		}
	} else {
		log.Infof("config loaded from %s", v.ConfigFileUsed())
	}
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("service.name", "EasyCapture_Service")
	v.SetDefault("service.display_name", "EasyCapture_Service")
	v.SetDefault("service.description", "EasyCapture_Service")

	v.SetDefault("http.port", 10008)
	v.SetDefault("http.hostname", "")
	v.SetDefault("http.internal_token", "")
	v.SetDefault("http.pprof", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "./logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", false)

	v.SetDefault("capture.root", "/recordings")
	v.SetDefault("capture.ffmpeg_binary", "ffmpeg")
	v.SetDefault("capture.extension", "mp4")
	v.SetDefault("capture.segment_seconds", 30)
	v.SetDefault("capture.align_first_cut", true)
	v.SetDefault("capture.startup_window_seconds", 60)
	v.SetDefault("capture.log_dir", "./logs/ffmpeg")
	v.SetDefault("capture.graceful_timeout", 10*time.Second)
	v.SetDefault("capture.kill_timeout", 5*time.Second)
	v.SetDefault("capture.join_timeout", 5*time.Second)

	v.SetDefault("outbox.db_file", "/recordings/uploader.db")
	v.SetDefault("outbox.idle_interval", 500*time.Millisecond)
	v.SetDefault("outbox.rescan_interval", 60*time.Second)
	v.SetDefault("outbox.prune_after", 24*time.Hour)
	v.SetDefault("outbox.stable_min_age", 2*time.Second)
	v.SetDefault("outbox.stable_for", 5*time.Second)
	v.SetDefault("outbox.stable_max_wait", 300*time.Second)

	v.SetDefault("storage.endpoint", "http://minio:9000")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "media-bucket")
	v.SetDefault("storage.path_style", true)

	v.SetDefault("jobs.api_base", "http://api:30000/api/v1")
	v.SetDefault("jobs.api_key", "")
	v.SetDefault("jobs.timeout", 20*time.Second)
}
