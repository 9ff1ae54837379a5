// Package logging provides config-driven categorized file-based logging for nbpilot.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Logging is controlled by debug_mode in the logging config - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup sequence, state machine transitions
	CategoryAccounts Category = "accounts" // Registry, credentials, rotation
	CategoryAuth     Category = "auth"     // Login automation, live probes
	CategoryBrowser  Category = "browser"  // Browser launch, contexts, navigation
	CategorySession  Category = "session"  // Session pool lifecycle, eviction
	CategoryAPI      Category = "api"      // HTTP front end
)

// AllCategories lists every known category.
var AllCategories = []Category{
	CategoryBoot,
	CategoryAccounts,
	CategoryAuth,
	CategoryBrowser,
	CategorySession,
	CategoryAPI,
}

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap logger bound to one category and its file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	base     *zap.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	options   Options
	optionsMu sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory.
// Should be called once at startup with the data directory.
func Initialize(dataDir string, opts Options) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	CloseAll()

	optionsMu.Lock()
	options = opts
	optionsMu.Unlock()
	level.SetLevel(parseLevel(opts.Level))

	if !opts.DebugMode {
		setLogsDir("")
		return nil
	}

	dir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	setLogsDir(dir)

	boot := Get(CategoryBoot)
	boot.Info("=== nbpilot logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", level.Level())
	return nil
}

func setLogsDir(dir string) {
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	optionsMu.RLock()
	defer optionsMu.RUnlock()
	return options.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optionsMu.RLock()
	defer optionsMu.RUnlock()

	if !options.DebugMode {
		return false
	}
	if options.Categories == nil {
		return true
	}
	enabled, exists := options.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if logsDir == "" {
		loggersMu.RUnlock()
		return &Logger{category: category}
	}
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
	if logsDir == "" {
		return &Logger{category: category}
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	base := zap.New(zapcore.NewCore(newEncoder(), zapcore.AddSync(file), level)).
		With(zap.String("cat", string(category)))
	l := &Logger{
		category: category,
		base:     base,
		sugar:    base.Sugar(),
		file:     file,
	}
	loggers[category] = l
	return l
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "ts"
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"

	optionsMu.RLock()
	jsonFormat := options.JSONFormat
	optionsMu.RUnlock()

	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a log entry carrying typed fields.
func (l *Logger) StructuredLog(lvl zapcore.Level, msg string, fields ...zap.Field) {
	if l.base == nil {
		return
	}
	if ce := l.base.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool {
	return l.base != nil
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.base.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Accounts logs to the accounts category
func Accounts(format string, args ...interface{}) { Get(CategoryAccounts).Info(format, args...) }

// AccountsDebug logs debug to the accounts category
func AccountsDebug(format string, args ...interface{}) {
	Get(CategoryAccounts).Debug(format, args...)
}

// AccountsWarn logs warning to the accounts category
func AccountsWarn(format string, args ...interface{}) {
	Get(CategoryAccounts).Warn(format, args...)
}

// AccountsError logs error to the accounts category
func AccountsError(format string, args ...interface{}) {
	Get(CategoryAccounts).Error(format, args...)
}

// Auth logs to the auth category
func Auth(format string, args ...interface{}) { Get(CategoryAuth).Info(format, args...) }

// AuthDebug logs debug to the auth category
func AuthDebug(format string, args ...interface{}) { Get(CategoryAuth).Debug(format, args...) }

// AuthWarn logs warning to the auth category
func AuthWarn(format string, args ...interface{}) { Get(CategoryAuth).Warn(format, args...) }

// AuthError logs error to the auth category
func AuthError(format string, args ...interface{}) { Get(CategoryAuth).Error(format, args...) }

// Browser logs to the browser category
func Browser(format string, args ...interface{}) { Get(CategoryBrowser).Info(format, args...) }

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// SessionWarn logs warning to the session category
func SessionWarn(format string, args ...interface{}) {
	Get(CategorySession).Warn(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIWarn logs warning to the api category
func APIWarn(format string, args ...interface{}) { Get(CategoryAPI).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
