// Package logging provides config-driven categorized file logging for
// workfarm. Logs are written to <data-dir>/logs-debug/ with one file per
// category per day. When debug_mode is off the whole package is a no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryBus       Category = "bus"
	CategoryAgents    Category = "agents"
	CategoryTasks     Category = "tasks"
	CategoryGoals     Category = "goals"
	CategoryPrefs     Category = "prefs"
	CategorySession   Category = "session"
	CategoryBridge    Category = "bridge"
	CategoryAdversary Category = "adversary"
	CategoryOracle    Category = "oracle"
	CategoryRuntime   Category = "runtime"
	CategoryTrigger   Category = "trigger"
	CategoryPersist   Category = "persist"
	CategoryArchive   Category = "archive"
	CategoryRepl      Category = "repl"
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings mirrors the logging section of config.json.
type Settings struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
}

// Logger wraps a standard logger with a category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	settingsMu sync.RWMutex
	settings   Settings
	logsDir    string
	logLevel   int
)

// Initialize sets up the logging directory and applies settings.
// Call once at startup with the data directory. Silent no-op when
// debug mode is disabled.
func Initialize(dataDir string, s Settings) error {
	settingsMu.Lock()
	settings = s
	logsDir = filepath.Join(dataDir, "logs-debug")
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	settingsMu.Unlock()

	if !s.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== workfarm logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// IsCategoryEnabled reports whether a category writes anywhere.
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, ok := settings.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled
// categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
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

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
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

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always written if the file is open).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures operation duration for the performance-sensitive paths.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// Convenience functions; no-ops when the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Bus logs to the bus category.
func Bus(format string, args ...interface{}) { Get(CategoryBus).Info(format, args...) }

// BusError logs an error to the bus category.
func BusError(format string, args ...interface{}) { Get(CategoryBus).Error(format, args...) }

// Agents logs to the agents category.
func Agents(format string, args ...interface{}) { Get(CategoryAgents).Info(format, args...) }

// Tasks logs to the tasks category.
func Tasks(format string, args ...interface{}) { Get(CategoryTasks).Info(format, args...) }

// Goals logs to the goals category.
func Goals(format string, args ...interface{}) { Get(CategoryGoals).Info(format, args...) }

// Prefs logs to the prefs category.
func Prefs(format string, args ...interface{}) { Get(CategoryPrefs).Info(format, args...) }

// Session logs to the session category.
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// SessionDebug logs debug to the session category.
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

// Bridge logs to the bridge category.
func Bridge(format string, args ...interface{}) { Get(CategoryBridge).Info(format, args...) }

// Adversary logs to the adversary category.
func Adversary(format string, args ...interface{}) { Get(CategoryAdversary).Info(format, args...) }

// AdversaryDebug logs debug to the adversary category.
func AdversaryDebug(format string, args ...interface{}) {
	Get(CategoryAdversary).Debug(format, args...)
}

// Oracle logs to the oracle category.
func Oracle(format string, args ...interface{}) { Get(CategoryOracle).Info(format, args...) }

// Runtime logs to the runtime category.
func Runtime(format string, args ...interface{}) { Get(CategoryRuntime).Info(format, args...) }

// RuntimeDebug logs debug to the runtime category.
func RuntimeDebug(format string, args ...interface{}) { Get(CategoryRuntime).Debug(format, args...) }

// Trigger logs to the trigger category.
func Trigger(format string, args ...interface{}) { Get(CategoryTrigger).Info(format, args...) }

// Persist logs to the persist category.
func Persist(format string, args ...interface{}) { Get(CategoryPersist).Info(format, args...) }

// Archive logs to the archive category.
func Archive(format string, args ...interface{}) { Get(CategoryArchive).Info(format, args...) }

// Repl logs to the repl category.
func Repl(format string, args ...interface{}) { Get(CategoryRepl).Info(format, args...) }
