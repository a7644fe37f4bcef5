// jsonlog.go - Leveled structured logging (JSON or plain text lines)
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// ParseLogLevel maps a config value to a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn:
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger provides structured logging. Each entry is rendered in full and
// handed to the output in a single Write call, so an AsyncSink never sees
// half a line.
type Logger struct {
	output     io.Writer
	minLevel   LogLevel
	enableJSON bool
	now        func() time.Time
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Level     LogLevel       `json:"level"`
	Time      string         `json:"time"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewLogger creates a logger writing to output. A nil output means stdout.
func NewLogger(output io.Writer, minLevel LogLevel, enableJSON bool) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		output:     output,
		minLevel:   minLevel,
		enableJSON: enableJSON,
		now:        time.Now,
	}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewLogger(io.Discard, LogLevelError, false)
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// getCaller returns the file and line number of the caller
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level LogLevel, msg string, fields map[string]any, err error) {
	if !l.shouldLog(level) {
		return
	}

	now := l.now()
	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
		Caller:  getCaller(3),
	}
	if rid, ok := fields["rid"].(string); ok {
		entry.RequestID = rid
	}
	if err != nil {
		entry.Error = err.Error()
	}

	var buf bytes.Buffer
	if l.enableJSON {
		entry.Time = now.UTC().Format(time.RFC3339)
		data, _ := json.Marshal(entry)
		buf.Write(data)
	} else {
		// Same shape as the historical log files: "2006-01-02 15:04:05, INFO: msg"
		fmt.Fprintf(&buf, "%s, %s: %s", now.Format("2006-01-02 15:04:05"), strings.ToUpper(string(level)), msg)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, " %s=%v", k, fields[k])
		}
		if entry.Error != "" {
			fmt.Fprintf(&buf, " error=%q", entry.Error)
		}
	}
	buf.WriteByte('\n')
	_, _ = l.output.Write(buf.Bytes())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LogLevelDebug, msg, fields, nil)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LogLevelInfo, msg, fields, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log(LogLevelWarn, msg, fields, nil)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	l.log(LogLevelError, msg, fields, err)
}
