package leverwatch

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/logger/logrus"
	"github.com/raykavin/leverwatch/pkg/logger/zerolog"
)

const (
	// Default configuration values
	defaultLogLevel      = "debug"
	defaultLogTimeFormat = "2006-01-02 15:04:05"
	defaultLogColored    = "true"
	defaultLogJSON       = "false"
	defaultLogBackend    = "zerolog"
)

// Environment variable names
const (
	envLogLevel      = "LEVERWATCH_LOG_LEVEL"
	envLogTimeFormat = "LEVERWATCH_LOG_TIME_FORMAT"
	envLogColor      = "LEVERWATCH_LOG_COLOR"
	envLogJSON       = "LEVERWATCH_LOG_JSON"
	envLogBackend    = "LEVERWATCH_LOG_BACKEND"
)

func init() {
	log, err := NewLogger()
	if err != nil {
		panic(err)
	}

	DefaultLog = log
}

// NewLogger creates a logger configured from environment variables. Every
// sink receives a JSON copy of the events at info level or above.
func NewLogger(sinks ...io.Writer) (logger.Logger, error) {
	logLevel := getEnvWithDefault(envLogLevel, defaultLogLevel)
	logTimeFormat := getEnvWithDefault(envLogTimeFormat, defaultLogTimeFormat)
	backend := strings.ToLower(getEnvWithDefault(envLogBackend, defaultLogBackend))

	logColored, err := parseBoolEnv(envLogColor, defaultLogColored)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envLogColor, err)
	}

	logJSON, err := parseBoolEnv(envLogJSON, defaultLogJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envLogJSON, err)
	}

	switch backend {
	case "zerolog":
		log, err := zerolog.New(zerolog.Options{
			Level:      logLevel,
			TimeLayout: logTimeFormat,
			Colored:    logColored,
			JSON:       logJSON,
			Sinks:      sinks,
		})
		if err != nil {
			return nil, err
		}
		return log, nil
	case "logrus":
		log, err := logrus.New(logrus.Options{
			Level:      logLevel,
			TimeLayout: logTimeFormat,
			Colored:    logColored,
			JSON:       logJSON,
			Sinks:      sinks,
		})
		if err != nil {
			return nil, err
		}
		return log, nil
	default:
		return nil, fmt.Errorf("unknown %s %q", envLogBackend, backend)
	}
}

// getEnvWithDefault returns the value of the environment variable or the default if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parseBoolEnv gets a boolean environment variable with a default value
func parseBoolEnv(key, defaultValue string) (bool, error) {
	value := getEnvWithDefault(key, defaultValue)
	return strconv.ParseBool(value)
}
