package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var outputMu sync.Mutex

// Configure sets the global charm logger level. An empty level means info.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// The logger has no trace level; map it to the most verbose one.
		return log.DebugLevel, nil
	case "warning":
		return log.WarnLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

// SetFormat switches between the human readable text output and the
// machine readable json or logfmt encodings.
func SetFormat(formatRaw string) error {
	var f log.Formatter
	switch strings.ToLower(strings.TrimSpace(formatRaw)) {
	case "", "text":
		f = log.TextFormatter
	case "json":
		f = log.JSONFormatter
	case "logfmt":
		f = log.LogfmtFormatter
	default:
		return fmt.Errorf("invalid log format %q (expected text, json or logfmt)", formatRaw)
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	log.SetFormatter(f)
	return nil
}

// SetOutput redirects the global logger, nil restores stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	log.SetOutput(w)
}
