package logger

import (
	"github.com/sirupsen/logrus"

	"bwtree"
)

// Logrus forwards tree events to a logrus logger, turning the key/value
// attributes into logrus.Fields.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus adapts logger. Debug events are dropped unless the logger's level
// is logrus.DebugLevel or lower.
func NewLogrus(logger *logrus.Logger) bwtree.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func (l *Logrus) Debug(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Debug(msg)
}

// argsToFields pairs up attributes. Pairs with a non-string key and a trailing
// key without a value are dropped.
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
