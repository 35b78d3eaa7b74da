// Package logging provides categorized file-based logging for the coherence
// bus. Logs are written to <data_dir>/logs with one file per category per day.
// Category logging is gated by debug mode; the daemon's structured service
// logs use zap and are configured separately (see Service).
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup, recovery, shutdown
	CategoryBus         Category = "bus"         // Stream broker operations
	CategoryBreaker     Category = "breaker"     // Circuit breaker transitions
	CategoryStore       Category = "store"       // Knowledge store commits, WAL, snapshots
	CategoryValidator   Category = "validator"   // Schema and dependency validation
	CategoryEvaluator   Category = "evaluator"   // Evaluator pool verdicts and degradation
	CategoryPipeline    Category = "pipeline"    // Mutation pipeline workers
	CategoryProjector   Category = "projector"   // Fragment projection
	CategoryRecovery    Category = "recovery"    // Snapshot load and WAL replay
	CategoryPerformance Category = "performance" // Slow operations
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger writes to a single category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	configMu  sync.RWMutex
	logsDir   string
	debugMode bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory. Should be called once at startup
// with the data directory; level is one of debug/info/warn/error. With
// debug=false category logging is a silent no-op.
func Initialize(dataDir, level string, debug bool) error {
	configMu.Lock()
	debugMode = debug
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		configMu.Unlock()
		return fmt.Errorf("unknown log level %q", level)
	}
	logsDir = filepath.Join(dataDir, "logs")
	configMu.Unlock()

	if !debug {
		return nil
	}
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== coherence bus logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level)
	return nil
}

// IsDebugMode reports whether category logging is active.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return debugMode
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when debug mode is disabled.
func Get(category Category) *Logger {
	configMu.RLock()
	enabled := debugMode && logsDir != ""
	dir := logsDir
	configMu.RUnlock()
	if !enabled {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...any) {
	if l.logger == nil {
		return
	}
	configMu.RLock()
	min := logLevel
	configMu.RUnlock()
	if level < min {
		return
	}
	l.logger.Printf("[%s] %s", tag, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }

// CloseAll flushes and closes every open category file.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
		delete(loggers, cat)
	}
}

// Convenience helpers for the hot-path categories.

func Bus(format string, args ...any)           { Get(CategoryBus).Info(format, args...) }
func BusDebug(format string, args ...any)      { Get(CategoryBus).Debug(format, args...) }
func Store(format string, args ...any)         { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any)    { Get(CategoryStore).Debug(format, args...) }
func Pipeline(format string, args ...any)      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }
func Projector(format string, args ...any)     { Get(CategoryProjector).Info(format, args...) }
func Evaluator(format string, args ...any)     { Get(CategoryEvaluator).Info(format, args...) }
func Breaker(format string, args ...any)       { Get(CategoryBreaker).Info(format, args...) }
func Recovery(format string, args ...any)      { Get(CategoryRecovery).Info(format, args...) }

// Timer measures an operation and reports it to the performance category when
// it exceeds a threshold.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop ends the timer, logging to the performance category if the operation
// took longer than 100ms.
func (t *Timer) Stop() time.Duration {
	return t.StopWithThreshold(100 * time.Millisecond)
}

// StopWithThreshold ends the timer with a custom slowness threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed >= threshold {
		Get(CategoryPerformance).Warn("[%s] %s took %v", t.category, t.operation, elapsed)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
