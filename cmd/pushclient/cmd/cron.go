package cmd

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ZapCronLogger adapts a zap.Logger to implement the cron.Logger interface
type ZapCronLogger struct {
	logger *zap.Logger
}

var _ cron.Logger = (*ZapCronLogger)(nil)

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs at debug level: cron reports every run through it.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...any) {
	z.logger.Debug(msg, cronFields(nil, keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.logger.Error(msg, cronFields([]zap.Field{zap.Error(err)}, keysAndValues)...)
}

func cronFields(fields []zap.Field, keysAndValues []any) []zap.Field {
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}

// newCron returns a scheduler accepting an optional seconds field and
// descriptors such as @every 5s.
func newCron(logger *zap.Logger) *cron.Cron {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return cron.New(cron.WithLogger(NewZapCronLogger(logger)), cron.WithParser(parser))
}
