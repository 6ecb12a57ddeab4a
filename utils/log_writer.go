package utils

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logWriter     *lumberjack.Logger
	logWriterLock sync.Mutex
)

// GetLogWriter returns the rotating service log, tee'd with stdout.
func GetLogWriter() io.Writer {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logWriter == nil {
		dir := Conf().GetString("log.dir")
		if err := EnsureDir(dir); err != nil {
			return os.Stdout
		}
		logWriter = NewRotatingFile(filepath.Join(dir, "easycapture.log"))
	}
	return io.MultiWriter(os.Stdout, logWriter)
}

func CloseLogWriter() {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

// NewRotatingFile opens a lumberjack file sized by the log.* settings.
func NewRotatingFile(file string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    Conf().GetInt("log.max_size"),
		MaxBackups: Conf().GetInt("log.max_backups"),
		MaxAge:     Conf().GetInt("log.max_age"),
		Compress:   Conf().GetBool("log.compress"),
	}
}
