// Package logx provides component-scoped logging with context-aware debug output
// and an in-memory buffer of recent entries for the debug endpoint.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// levelRank orders levels for threshold filtering.
var levelRank = map[Level]int{ //nolint:gochecknoglobals
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ctxKey is the context key type for the component name carried by Debug.
type ctxKey struct{}

// Logger writes lines of the form "[timestamp] [component] LEVEL: message".
type Logger struct {
	component string
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled     bool
	FileLogging bool
	LogDir      string
	Domains     map[string]bool // nil enables every domain
}

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer keeps the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	output      io.Writer = os.Stderr
	minLevel              = LevelInfo
	outputMutex sync.Mutex

	logBuffer = NewInMemoryLogBuffer(1000)
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}
	debugConfig.LogDir = "logs"
	if dir := os.Getenv("DEBUG_LOG_DIR"); dir != "" {
		debugConfig.LogDir = dir
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger returns a logger that tags every line with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	outputMutex.Lock()
	defer outputMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// SetLevel sets the minimum level written to the output. Unknown names are ignored.
func SetLevel(name string) {
	level := Level(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := levelRank[level]; !ok {
		return
	}
	outputMutex.Lock()
	minLevel = level
	outputMutex.Unlock()
	if level == LevelDebug {
		SetDebugConfig(true, IsFileLoggingEnabled(), "")
	}
}

// SetDebugConfig configures global debug logging settings.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir != "" {
		debugConfig.LogDir = logDir
	}
	if fileLogging {
		if err := os.MkdirAll(debugConfig.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", debugConfig.LogDir, err)
		}
	}
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug logging is on.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsFileLoggingEnabled reports whether debug lines are also appended to files.
func IsFileLoggingEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.FileLogging
}

// IsDebugEnabledForDomain reports whether debug logging is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// NewInMemoryLogBuffer creates a buffer holding at most maxSize entries.
func NewInMemoryLogBuffer(maxSize int) *InMemoryLogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &InMemoryLogBuffer{entries: make([]LogEntry, 0, 64), maxSize: maxSize}
}

// Add appends an entry, evicting the oldest when full.
func (b *InMemoryLogBuffer) Add(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns a filtered copy of the buffered entries.
// An empty domain matches everything; a zero since disables time filtering.
func (b *InMemoryLogBuffer) Entries(domain string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && !strings.EqualFold(entry.Domain, domain) && !strings.EqualFold(entry.Component, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns entries from the global buffer.
func GetRecentLogEntries(domain string, since time.Time) []LogEntry {
	return logBuffer.Entries(domain, since)
}

func write(level Level, component, domain, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	logBuffer.Add(&LogEntry{
		Timestamp: timestamp,
		Component: component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})

	outputMutex.Lock()
	defer outputMutex.Unlock()
	if levelRank[level] < levelRank[minLevel] && level != LevelDebug {
		return
	}
	prefix := ""
	if domain != "" {
		prefix = "[" + domain + "] "
	}
	fmt.Fprintf(output, "[%s] [%s] %s: %s%s\n", timestamp, component, level, prefix, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	write(LevelDebug, l.component, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	write(LevelInfo, l.component, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	write(LevelWarn, l.component, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	write(LevelError, l.component, "", fmt.Sprintf(format, args...))
}

// Component returns the logger's component tag.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger whose component is "<component>:<sub>".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + ":" + sub}
}

// WithComponent attaches a component name to ctx for Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Debug logs a domain-scoped debug message. The component is taken from ctx.
//
//	logx.Debug(ctx, "engine", "attempt %d for %s", attempt, taskID)
//
// Controlled by DEBUG=1, DEBUG_DOMAINS=engine,adapter and DEBUG_FILE=1.
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(ctxKey{}).(string); ok && c != "" {
			component = c
		}
	}
	message := fmt.Sprintf(format, args...)
	write(LevelDebug, component, domain, message)
	appendDebugFile(domain, component, message)
}

func appendDebugFile(domain, component, message string) {
	debugMutex.RLock()
	fileLogging := debugConfig.FileLogging
	logDir := debugConfig.LogDir
	debugMutex.RUnlock()

	if !fileLogging {
		return
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return
	}
	path := filepath.Join(logDir, domain+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open debug log %s: %v\n", path, err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] [%s] DEBUG: %s\n", time.Now().UTC().Format(timestampFormat), component, message)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// A nil err returns nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
