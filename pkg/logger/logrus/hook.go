package logrus

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// SinkHook copies entries as JSON lines into a writer
type SinkHook struct {
	mu        sync.Mutex
	w         io.Writer
	levels    []logrus.Level
	formatter logrus.Formatter
}

// NewSinkHook creates a hook firing for min and every more severe level
func NewSinkHook(w io.Writer, min logrus.Level) *SinkHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= min {
			levels = append(levels, level)
		}
	}

	return &SinkHook{
		w:      w,
		levels: levels,
		formatter: &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message"},
		},
	}
}

func (h *SinkHook) Levels() []logrus.Level {
	return h.levels
}

func (h *SinkHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}
