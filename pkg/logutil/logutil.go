package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	mu         sync.Mutex
	components = map[string]*log.Logger{}
)

// Configure sets the process-wide level. Component loggers created by For
// share the default logger's level and output.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	for _, l := range components {
		l.SetLevel(level)
	}
	return nil
}

// SetOutput redirects the default logger and every component logger.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
	for _, l := range components {
		l.SetOutput(w)
	}
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// The logger has no native trace enum; map trace to most verbose mode.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

// For returns the logger for a component, prefixed with its name.
func For(component string) *log.Logger {
	component = strings.TrimSpace(component)
	mu.Lock()
	defer mu.Unlock()
	if l, ok := components[component]; ok {
		return l
	}
	l := log.Default().WithPrefix(component)
	components[component] = l
	return l
}
