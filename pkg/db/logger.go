package db

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger routes gorm's logging through logrus so database chatter shows
// up in the same JSON stream as everything else.
type gormLogger struct {
	level logger.LogLevel
}

// NewLogger builds a gorm logger whose verbosity follows the service's
// log-level flag. SQL statements are only traced at debug and below.
func NewLogger(logLevel string) logger.Interface {
	level := logger.Warn
	switch logLevel {
	case "trace", "debug":
		level = logger.Info
	case "info", "warn":
		level = logger.Warn
	case "error":
		level = logger.Error
	}
	return &gormLogger{level: level}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		logrus.Infof(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		logrus.Warnf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		logrus.Errorf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	entry := logrus.WithFields(logrus.Fields{
		"rows":     rows,
		"duration": elapsed,
	})

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		entry.WithError(err).Errorf("query failed: %s", sql)
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		entry.Warnf("slow query: %s", sql)
	case l.level >= logger.Info:
		entry.Tracef("query: %s", sql)
	}
}
