package obs

import (
	"encoding/json"
	"log"
	"os"
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

// LogEvent emits a structured JSON log line. Entries without a "ts" or
// "level" field get them filled in.
func LogEvent(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := entry["level"]; !ok {
		entry["level"] = "info"
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogError is LogEvent with level=error and an attached error string.
func LogError(msg string, err error, fields map[string]any) {
	entry := map[string]any{
		"level": "error",
		"msg":   msg,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	for k, v := range fields {
		entry[k] = v
	}
	LogEvent(entry)
}
