package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/config"
)

// InitLogger sets the log level and format based on the provided configuration
func InitLogger(cfg *config.Config) {
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// InitFromEnv initializes logging from environment variables
func InitFromEnv() {
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	setLogLevel(logLevel)
}

// setLogLevel sets the log level based on string input. Unknown or empty
// levels fall back to info so run summaries stay visible.
func setLogLevel(logLevel string) {
	switch strings.ToLower(logLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func init() {
	InitFromEnv()
}
