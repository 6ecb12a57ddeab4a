package log

import (
	"fmt"
	"io"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type Fields = logrus.Fields

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", path.Base(f.File), f.Line)
		},
	})
}

func SetOutput(o io.Writer) {
	std.SetOutput(o)
}

func SetLogFormatter(f logrus.Formatter) {
	std.SetFormatter(f)
}

// SetLevel accepts any logrus level name. Unknown names leave the level unchanged.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

func GetLevel() string {
	return std.GetLevel().String()
}

func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

func InfoWithFields(msg string, fields Fields) {
	std.WithFields(fields).Info(msg)
}

func Debug(args ...interface{}) { std.Debug(args...) }
func Info(args ...interface{})  { std.Info(args...) }
func Warn(args ...interface{})  { std.Warn(args...) }
func Error(args ...interface{}) { std.Error(args...) }
func Fatal(args ...interface{}) { std.Fatal(args...) }
func Panic(args ...interface{}) { std.Panic(args...) }

func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
