package logutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure sets up the process logger from a level string, typically the
// LOG_LEVEL environment variable. Empty means info.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(strings.ToLower(levelRaw))
	if err != nil {
		return fmt.Errorf("invalid log level %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetTimeFormat(time.RFC3339)
	log.SetReportTimestamp(true)
	return nil
}

// FromEnv configures the logger from LOG_LEVEL.
func FromEnv() error {
	return Configure(os.Getenv("LOG_LEVEL"))
}
