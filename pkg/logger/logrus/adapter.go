// Package logrus provides a logrus backed implementation of logger.Logger
package logrus

import (
	"io"
	"os"

	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Options configures a logrus backed logger
type Options struct {
	Level      string
	TimeLayout string
	Colored    bool
	JSON       bool
	Out        io.Writer

	// Sinks receive a JSON copy of every entry at info level or above
	Sinks []io.Writer
}

// Adapter exposes a logrus entry through the logger.Logger interface
type Adapter struct {
	*logrus.Entry
}

// New builds a logrus logger with the configured formatter and journal hooks
func New(opts Options) (*Adapter, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetReportCaller(true)

	if opts.Out != nil {
		log.SetOutput(opts.Out)
	} else {
		log.SetOutput(os.Stdout)
	}

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: opts.TimeLayout})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: opts.TimeLayout,
			ForceColors:     opts.Colored,
			DisableColors:   !opts.Colored,
		})
	}

	for _, sink := range opts.Sinks {
		log.AddHook(NewSinkHook(sink, logrus.InfoLevel))
	}

	return &Adapter{logrus.NewEntry(log)}, nil
}

// GetLevel implements logger.Logger.
func (l *Adapter) GetLevel() logger.Level {
	switch l.Logger.GetLevel() {
	case logrus.TraceLevel:
		return logger.TraceLevel
	case logrus.DebugLevel:
		return logger.DebugLevel
	case logrus.InfoLevel:
		return logger.InfoLevel
	case logrus.WarnLevel:
		return logger.WarnLevel
	case logrus.ErrorLevel:
		return logger.ErrorLevel
	case logrus.FatalLevel:
		return logger.FatalLevel
	case logrus.PanicLevel:
		return logger.PanicLevel
	default:
		return logger.NoLevel
	}
}

// SetLevel implements logger.Logger. logrus has no disabled level, so
// Disabled maps to panic, the quietest one.
func (l *Adapter) SetLevel(level logger.Level) {
	switch level {
	case logger.TraceLevel:
		l.Logger.SetLevel(logrus.TraceLevel)
	case logger.DebugLevel:
		l.Logger.SetLevel(logrus.DebugLevel)
	case logger.InfoLevel:
		l.Logger.SetLevel(logrus.InfoLevel)
	case logger.WarnLevel:
		l.Logger.SetLevel(logrus.WarnLevel)
	case logger.ErrorLevel:
		l.Logger.SetLevel(logrus.ErrorLevel)
	case logger.FatalLevel:
		l.Logger.SetLevel(logrus.FatalLevel)
	default:
		l.Logger.SetLevel(logrus.PanicLevel)
	}
}

// WithError implements logger.Logger.
func (l *Adapter) WithError(err error) logger.Logger {
	return &Adapter{l.Entry.WithError(err)}
}

// WithField implements logger.Logger.
func (l *Adapter) WithField(key string, value any) logger.Logger {
	return &Adapter{l.Entry.WithField(key, value)}
}

// WithFields implements logger.Logger.
func (l *Adapter) WithFields(fields map[string]any) logger.Logger {
	return &Adapter{l.Entry.WithFields(logrus.Fields(fields))}
}
