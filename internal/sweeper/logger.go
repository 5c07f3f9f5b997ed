package sweeper

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger adapts zap to cron.Logger.
type CronLogger struct{ *zap.SugaredLogger }

var _ cron.Logger = (*CronLogger)(nil)

// NewCronLogger wraps logger for the cron scheduler.
func NewCronLogger(logger *zap.Logger) *CronLogger {
	return &CronLogger{logger.Sugar()}
}

// Info is used by cron for its chatty scheduling messages; they go to debug.
func (c *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.Debugw(msg, keysAndValues...)
}

func (c *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.Errorw(msg, append(keysAndValues, "error", err)...)
}
