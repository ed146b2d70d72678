package logger

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	root hclog.Logger
	mu   sync.Mutex
)

// Init configures the root logger. Components created before Init fall back
// to an info-level default.
func Init(level string, json bool) {
	mu.Lock()
	defer mu.Unlock()

	root = hclog.New(&hclog.LoggerOptions{
		Name:       "hlsvault",
		Level:      parseLevel(level),
		JSONFormat: json,
	})
}

// Root returns the root logger.
func Root() hclog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if root == nil {
		root = hclog.New(&hclog.LoggerOptions{
			Name:  "hlsvault",
			Level: hclog.Info,
		})
	}
	return root
}

// Named returns a sub-logger for a component.
func Named(name string) hclog.Logger {
	return Root().Named(name)
}

func parseLevel(level string) hclog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return hclog.Trace
	case "debug":
		return hclog.Debug
	case "warn":
		return hclog.Warn
	case "error":
		return hclog.Error
	default:
		return hclog.Info
	}
}
