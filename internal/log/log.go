// Package log is the process-wide structured logger. It wraps log/slog with
// LOG_LEVEL / LOG_FORMAT configuration, a TRACE level and component-tagged
// field helpers. Fields whose key names a credential are redacted before they
// reach the handler.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom trace level below debug.
// Trace output includes token prefixes; never enable it on shared log sinks.
const LevelTrace = slog.Level(-8)

const redacted = "[REDACTED]"

// sensitiveKeys are field names that never reach a log line verbatim
var sensitiveKeys = map[string]bool{
	"code":           true,
	"credential":     true,
	"id_token":       true,
	"access_token":   true,
	"refresh_token":  true,
	"client_secret":  true,
	"password":       true,
	"api_key":        true,
	"session_id":     true,
	"csrf_token":     true,
	"platform_token": true,
}

var (
	level slog.LevelVar

	mu     sync.Mutex
	output io.Writer = os.Stderr
)

func init() {
	parsed, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		parsed = slog.LevelInfo
	}
	level.Set(parsed)
	installHandler()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// installHandler builds the default logger for the current output and format.
// The level is shared through the LevelVar, so changing it needs no rebuild.
func installHandler() {
	mu.Lock()
	defer mu.Unlock()

	jsonFormat := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	opts := &slog.HandlerOptions{
		Level:       &level,
		ReplaceAttr: replaceAttr(jsonFormat),
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func replaceAttr(jsonFormat bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if jsonFormat {
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

// SetOutput redirects log output, mainly for tests capturing log lines
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
	installHandler()
}

// SetLogLevel updates the log level at runtime
func SetLogLevel(name string) error {
	parsed, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.Set(parsed)

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": name,
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch level.Level() {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func LogInfo(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func buildArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			v = redacted
		}
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, buildArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, buildArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, buildArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, buildArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if level.Level() <= LevelTrace {
		slog.Default().Log(context.Background(), LevelTrace, message, buildArgs(component, fields)...)
	}
}

// TokenPrefix shortens a bearer value to something safe to correlate in logs
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
