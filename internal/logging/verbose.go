package logging

import (
	"os"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var verboseEnabled atomic.Bool

func init() {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("CCSW_VERBOSE"))); env != "" {
		switch env {
		case "1", "true", "yes", "y", "on":
			verboseEnabled.Store(true)
		case "0", "false", "no", "n", "off":
			verboseEnabled.Store(false)
		}
	}
}

// VerboseEnabled returns whether verbose logging is enabled. Background
// refresh and quota-fetch network errors are only logged when this is set.
func VerboseEnabled() bool {
	return verboseEnabled.Load()
}

// SetVerboseEnabled updates the verbose toggle and the logrus level together.
func SetVerboseEnabled(enabled bool) {
	verboseEnabled.Store(enabled)
	if enabled {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
