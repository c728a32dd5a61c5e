package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory routes pion's internal logging into the process-wide
// slog logger, one scope attribute per pion subsystem.
type slogLoggerFactory struct {
	log *slog.Logger
}

func newLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return &slogLoggerFactory{log: log}
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", "pion/"+scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
