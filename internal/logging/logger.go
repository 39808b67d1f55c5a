package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Constants for configuration
const (
	// DefaultMaxAge is the default retention period for log files (3 days)
	DefaultMaxAge = 3 * 24 * time.Hour

	// DirPermissions for log directory (rwx------)
	DirPermissions = 0700

	// FilePermissions for log files (rw-------)
	FilePermissions = 0600

	// MaxValueLength is the maximum length for a single string attribute
	MaxValueLength = 1000

	// FilePrefix names the rotated files: chatlink.YYYY-MM-DD.log
	FilePrefix = "chatlink"

	redacted = "[REDACTED]"
)

// SensitiveKeys are attribute key fragments whose values never reach a log
var SensitiveKeys = []string{
	"password", "passwd", "pwd",
	"token", "bearer",
	"secret",
	"api_key", "apikey", "api-key",
	"authorization", "auth_header",
	"credential",
	"cookie",
}

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
	closer        io.Closer
)

// Config holds logger configuration
type Config struct {
	LogDir     string        // Directory for log files; empty disables file output
	MaxAge     time.Duration // Maximum age of log files before cleanup
	JSONOutput bool          // Use JSON output format
	DevMode    bool          // Mirror to stderr and log at debug level
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(homeDir, ".chatlink", "logs"),
		MaxAge:     DefaultMaxAge,
		JSONOutput: true,
	}
}

// RotatingFileHandler handles log rotation by date
type RotatingFileHandler struct {
	dir            string
	prefix         string
	maxAge         time.Duration
	currentFile    *os.File
	currentDate    string
	now            func() time.Time
	mu             sync.Mutex
	cleanupRunning atomic.Bool
}

// NewRotatingFileHandler creates a new rotating file handler
func NewRotatingFileHandler(dir, prefix string, maxAge time.Duration) (*RotatingFileHandler, error) {
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, err
	}

	h := &RotatingFileHandler{
		dir:    dir,
		prefix: prefix,
		maxAge: maxAge,
		now:    time.Now,
	}

	if err := h.rotate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Write implements io.Writer
func (h *RotatingFileHandler) Write(p []byte) (n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.now().Format("2006-01-02") != h.currentDate {
		if err := h.rotate(); err != nil {
			return 0, err
		}
		if h.cleanupRunning.CompareAndSwap(false, true) {
			go func() {
				defer h.cleanupRunning.Store(false)
				h.cleanup()
			}()
		}
	}

	return h.currentFile.Write(p)
}

// rotate closes current file and opens the one for today
func (h *RotatingFileHandler) rotate() error {
	if h.currentFile != nil {
		h.currentFile.Close()
	}

	today := h.now().Format("2006-01-02")
	filename := filepath.Join(h.dir, h.prefix+"."+today+".log")

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, FilePermissions)
	if err != nil {
		return err
	}

	h.currentFile = file
	h.currentDate = today
	h.updateSymlink(filename)
	return nil
}

// updateSymlink points prefix.log at the current file
func (h *RotatingFileHandler) updateSymlink(targetFile string) {
	symlinkPath := filepath.Join(h.dir, h.prefix+".log")

	if err := os.Remove(symlinkPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove old symlink", "path", symlinkPath, "error", err)
	}
	if err := os.Symlink(targetFile, symlinkPath); err != nil {
		slog.Warn("Failed to create symlink", "path", symlinkPath, "error", err)
	}
}

// cleanup removes log files older than maxAge
func (h *RotatingFileHandler) cleanup() {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		slog.Warn("Failed to read log directory for cleanup", "dir", h.dir, "error", err)
		return
	}

	cutoff := h.now().Add(-h.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name(), h.prefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			filePath := filepath.Join(h.dir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				slog.Warn("Failed to remove old log file", "path", filePath, "error", err)
			}
		}
	}
}

// isLogFile checks for prefix.YYYY-MM-DD.log
func isLogFile(name, prefix string) bool {
	if len(name) != len(prefix)+len(".2006-01-02.log") {
		return false
	}
	if !strings.HasPrefix(name, prefix+".") || !strings.HasSuffix(name, ".log") {
		return false
	}
	_, err := time.Parse("2006-01-02", name[len(prefix)+1:len(name)-len(".log")])
	return err == nil
}

// Close closes the file handler
func (h *RotatingFileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentFile != nil {
		return h.currentFile.Close()
	}
	return nil
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	var writers []io.Writer
	var fileHandler *RotatingFileHandler

	if cfg.LogDir != "" {
		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = DefaultMaxAge
		}
		var err error
		fileHandler, err = NewRotatingFileHandler(cfg.LogDir, FilePrefix, maxAge)
		if err != nil {
			return err
		}
		writers = append(writers, fileHandler)
	}

	// stdout belongs to the chat view, so dev output goes to stderr
	if cfg.DevMode || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	logger := slog.New(newHandler(io.MultiWriter(writers...), cfg))

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
	if fileHandler != nil {
		closer = fileHandler
	}
	defaultLogger = logger
	slog.SetDefault(logger)
	return nil
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	level := slog.LevelInfo
	if cfg.DevMode {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	if cfg.JSONOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// replaceAttr formats time as RFC3339Nano, redacts secrets and truncates
// long values.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
		}
		return a
	}

	if isSensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}

	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); len(s) > MaxValueLength {
			a.Value = slog.StringValue(s[:MaxValueLength] + "...[truncated]")
		}
	}
	return a
}

func isSensitive(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitiveKey := range SensitiveKeys {
		if strings.Contains(lowerKey, sensitiveKey) {
			return true
		}
	}
	return false
}

// Close flushes and closes the log file, if any
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Logger returns the default logger
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with additional attributes
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// MaskPath masks sensitive parts of file paths for logging
func MaskPath(path string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return path
	}
	if strings.HasPrefix(path, homeDir) {
		return "~" + path[len(homeDir):]
	}
	return path
}
