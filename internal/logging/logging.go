// Package logging builds per-subsystem logrus entries that write to the
// console and to a rotating file, each with its own minimum level.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level        string
	ConsoleLevel string
	File         string
	FileLevel    string
	FileMaxMB    int
	FileBackups  int
}

// Logging owns the shared file writer. Entries returned by For stay valid
// until Close.
type Logging struct {
	level        logrus.Level
	consoleLevel logrus.Level
	fileLevel    logrus.Level
	console      io.Writer
	file         *lumberjack.Logger
}

func New(opts Options) *Logging {
	l := &Logging{
		level:        ParseLevel(opts.Level, logrus.InfoLevel),
		consoleLevel: ParseLevel(opts.ConsoleLevel, logrus.TraceLevel),
		fileLevel:    ParseLevel(opts.FileLevel, logrus.TraceLevel),
		console:      os.Stdout,
	}
	if opts.File != "" {
		maxMB := opts.FileMaxMB
		if maxMB <= 0 {
			maxMB = 100
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxMB, // megabytes
			MaxBackups: max(opts.FileBackups, 1),
		}
	}
	return l
}

// For returns the logger for one subsystem, tagged with its name.
func (l *Logging) For(name string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(l.level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: l.console, LogLevels: availableLevels(l.consoleLevel)})
	if l.file != nil {
		logger.AddHook(&writerHook{Writer: l.file, LogLevels: availableLevels(l.fileLevel)})
	}
	return logger.WithField("name", name)
}

func (l *Logging) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns an entry that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("name", "discard")
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

// ParseLevel accepts logrus level names and the numeric 0 (trace) .. 6 (off)
// scale; anything else yields def.
func ParseLevel(v string, def logrus.Level) logrus.Level {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return def
	}
	switch v {
	case "0":
		return logrus.TraceLevel
	case "1":
		return logrus.DebugLevel
	case "2":
		return logrus.InfoLevel
	case "3":
		return logrus.WarnLevel
	case "4":
		return logrus.ErrorLevel
	case "5":
		return logrus.FatalLevel
	case "6", "off":
		return logrus.PanicLevel
	}
	if lvl, err := logrus.ParseLevel(v); err == nil {
		return lvl
	}
	return def
}
