// Package logging wraps zerolog behind a package-level logger the rest of
// the daemon writes through. The daemon's default posture is quiet: unless
// the operator asks for console or file logs, only fatal errors surface.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level aliases zerolog's level type so callers never import zerolog
// directly for configuration.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config controls where and how much the daemon logs.
type Config struct {
	Level  Level
	Output io.Writer // defaults to os.Stderr
	// Pretty switches the console stream to zerolog's human-readable
	// writer; the file stream (when enabled) always stays structured JSON.
	Pretty bool
	// LogToFile additionally writes to a timestamped file under LogDir.
	LogToFile bool
	LogDir    string // defaults to /tmp
}

// Logger is the process-wide logger. Init replaces it; the zero setup from
// init() makes the package usable before any explicit configuration.
var Logger zerolog.Logger

var logFile *os.File

// Init builds the logger from cfg. Safe to call more than once; a
// previously opened log file is closed before a new one is created.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "/tmp"
	}
	zerolog.TimeFieldFormat = time.RFC3339

	console := cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	out := console
	if cfg.LogToFile {
		if logFile != nil {
			logFile.Close()
		}
		name := "sandboxagentd-" + time.Now().Format("20060102-150405") + ".log"
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logFile = f
			out = zerolog.MultiLevelWriter(console, f)
		}
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// GetLogFilePath returns the active log file's path, or "" when file
// logging is off.
func GetLogFilePath() string {
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// Close releases the log file, if any.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ParseLevel maps a level name (case-insensitive; WARNING accepted for
// WARN) onto a Level, defaulting to InfoLevel for anything unrecognized.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// Fatal logs and then exits the process when the event is sent.
func Fatal() *zerolog.Event { return Logger.Fatal() }

// With starts a child logger context.
func With() zerolog.Context { return Logger.With() }

func init() {
	Init(Config{Level: InfoLevel})
}
