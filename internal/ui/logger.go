// Package ui provides terminal logging and styling for codechat.
package ui

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// InitLogger configures the global charm logger. Logs go to stderr so
// stdout stays free for command output and the MCP protocol.
func InitLogger(debug bool) {
	log.SetOutput(os.Stderr)
	log.SetReportCaller(false)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.Kitchen)
	SetDebug(debug)
}

// SetDebug enables debug logging.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
