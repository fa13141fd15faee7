package utils

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogger configures the global logger to write JSON lines to stdout and,
// when file is set, to a size-rotated log file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	writers := []io.Writer{os.Stdout}
	if file != "" {
		if dir := filepath.Dir(file); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	logMu.Lock()
	logger = l.Level(parseLevel(level))
	logMu.Unlock()
}

// SetLoggerForTest swaps the global logger.
func SetLoggerForTest(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Debug logs msg at debug level with alternating key/value pairs.
func Debug(msg string, kv ...any) { write(zerolog.DebugLevel, msg, kv) }

// Info logs msg at info level with alternating key/value pairs.
func Info(msg string, kv ...any) { write(zerolog.InfoLevel, msg, kv) }

// Warn logs msg at warn level with alternating key/value pairs.
func Warn(msg string, kv ...any) { write(zerolog.WarnLevel, msg, kv) }

// Error logs msg at error level with alternating key/value pairs.
func Error(msg string, kv ...any) { write(zerolog.ErrorLevel, msg, kv) }

func write(level zerolog.Level, msg string, kv []any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
