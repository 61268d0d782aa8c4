package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

const redacted = "[REDACTED]"

// sensitive attribute names; signing-key material and bearer proofs must
// never reach the log.
var sensitiveKeys = []string{"token", "secret", "authorization", "password", "api_key", "ssig", "senc", "jws"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	if k == "d" {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of entry with sensitive values masked, descending
// into nested maps.
func Redact(entry map[string]any) map[string]any {
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		switch {
		case isSensitive(k):
			out[k] = redacted
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = Redact(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	write(Redact(entry))
}

// Info logs an application message with optional fields.
func Info(msg string, fields map[string]any) { logLevel("info", msg, fields) }

// Error logs an application failure.
func Error(msg string, err error, fields map[string]any) {
	f := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	if err != nil {
		f["error"] = err.Error()
	}
	logLevel("error", msg, f)
}

func logLevel(level, msg string, fields map[string]any) {
	entry := Redact(fields)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	write(entry)
}

func write(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
