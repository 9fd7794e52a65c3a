package pushclient

import (
	"github.com/tsarna/pushclient/pkg/pushclient/message"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logSink struct {
	logger *zap.Logger
	level  zapcore.Level
	name   string
}

func newLogSink(logger *zap.Logger, level zapcore.Level, name string) logSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logSink{logger: logger, level: level, name: name}
}

func (l logSink) log(msg string, fields ...zap.Field) {
	l.logger.Log(l.level, msg, append(fields, zap.String("delegate", l.name))...)
}

// LoggingDelegate logs every client notification and forwards it to the
// wrapped delegate, if any.
type LoggingDelegate struct {
	logSink
	wrapped ClientDelegate
}

// NewLoggingDelegate creates a LoggingDelegate. wrapped may be nil.
func NewLoggingDelegate(wrapped ClientDelegate, logger *zap.Logger, level zapcore.Level) *LoggingDelegate {
	return &LoggingDelegate{logSink: newLogSink(logger, level, "LoggingDelegate"), wrapped: wrapped}
}

func (l *LoggingDelegate) OnListenStart(c *Client) {
	l.log("OnListenStart called")
	if l.wrapped != nil {
		l.wrapped.OnListenStart(c)
	}
}

func (l *LoggingDelegate) OnListenEnd(c *Client) {
	l.log("OnListenEnd called")
	if l.wrapped != nil {
		l.wrapped.OnListenEnd(c)
	}
}

func (l *LoggingDelegate) OnStatusChange(status Status) {
	l.log("OnStatusChange called", zap.Stringer("status", status))
	if l.wrapped != nil {
		l.wrapped.OnStatusChange(status)
	}
}

func (l *LoggingDelegate) OnPropertyChange(property string) {
	l.log("OnPropertyChange called", zap.String("property", property))
	if l.wrapped != nil {
		l.wrapped.OnPropertyChange(property)
	}
}

func (l *LoggingDelegate) OnServerError(code int, msg string) {
	l.log("OnServerError called", zap.Int("code", code), zap.String("message", msg))
	if l.wrapped != nil {
		l.wrapped.OnServerError(code, msg)
	}
}

// LoggingSubscriptionDelegate logs every subscription notification, with the
// changed fields of each update.
type LoggingSubscriptionDelegate struct {
	logSink
	wrapped subscription.Delegate
}

func NewLoggingSubscriptionDelegate(wrapped subscription.Delegate, logger *zap.Logger, level zapcore.Level) *LoggingSubscriptionDelegate {
	return &LoggingSubscriptionDelegate{logSink: newLogSink(logger, level, "LoggingSubscriptionDelegate"), wrapped: wrapped}
}

func subFields(sub *subscription.Subscription) []zap.Field {
	if group := sub.ItemGroup(); group != "" {
		return []zap.Field{zap.Stringer("mode", sub.Mode()), zap.String("group", group)}
	}
	return []zap.Field{zap.Stringer("mode", sub.Mode()), zap.Strings("items", sub.Items())}
}

func (l *LoggingSubscriptionDelegate) OnListenStart(sub *subscription.Subscription) {
	l.log("OnListenStart called", subFields(sub)...)
	if l.wrapped != nil {
		l.wrapped.OnListenStart(sub)
	}
}

func (l *LoggingSubscriptionDelegate) OnListenEnd(sub *subscription.Subscription) {
	l.log("OnListenEnd called", subFields(sub)...)
	if l.wrapped != nil {
		l.wrapped.OnListenEnd(sub)
	}
}

func (l *LoggingSubscriptionDelegate) OnSubscription(sub *subscription.Subscription) {
	l.log("OnSubscription called", subFields(sub)...)
	if l.wrapped != nil {
		l.wrapped.OnSubscription(sub)
	}
}

func (l *LoggingSubscriptionDelegate) OnUnsubscription(sub *subscription.Subscription) {
	l.log("OnUnsubscription called", subFields(sub)...)
	if l.wrapped != nil {
		l.wrapped.OnUnsubscription(sub)
	}
}

func (l *LoggingSubscriptionDelegate) OnSubscriptionError(sub *subscription.Subscription, code int, msg string) {
	l.log("OnSubscriptionError called", append(subFields(sub), zap.Int("code", code), zap.String("message", msg))...)
	if l.wrapped != nil {
		l.wrapped.OnSubscriptionError(sub, code, msg)
	}
}

func (l *LoggingSubscriptionDelegate) OnItemUpdate(sub *subscription.Subscription, u *subscription.ItemUpdate) {
	changed := make(map[string]string)
	for name, v := range u.ChangedFields() {
		if v == nil {
			changed[name] = "<nil>"
		} else {
			changed[name] = *v
		}
	}
	l.log("OnItemUpdate called",
		zap.String("item", u.ItemName()),
		zap.Int("itemPos", u.ItemPos()),
		zap.String("key", u.Key()),
		zap.Bool("snapshot", u.IsSnapshot()),
		zap.Any("changed", changed),
	)
	if l.wrapped != nil {
		l.wrapped.OnItemUpdate(sub, u)
	}
}

func (l *LoggingSubscriptionDelegate) OnEndOfSnapshot(sub *subscription.Subscription, item string, pos int) {
	l.log("OnEndOfSnapshot called", zap.String("item", item), zap.Int("itemPos", pos))
	if l.wrapped != nil {
		l.wrapped.OnEndOfSnapshot(sub, item, pos)
	}
}

func (l *LoggingSubscriptionDelegate) OnClearSnapshot(sub *subscription.Subscription, item string, pos int) {
	l.log("OnClearSnapshot called", zap.String("item", item), zap.Int("itemPos", pos))
	if l.wrapped != nil {
		l.wrapped.OnClearSnapshot(sub, item, pos)
	}
}

func (l *LoggingSubscriptionDelegate) OnItemLostUpdates(sub *subscription.Subscription, item string, pos int, lost int) {
	l.log("OnItemLostUpdates called", zap.String("item", item), zap.Int("itemPos", pos), zap.Int("lost", lost))
	if l.wrapped != nil {
		l.wrapped.OnItemLostUpdates(sub, item, pos, lost)
	}
}

func (l *LoggingSubscriptionDelegate) OnRealMaxFrequency(sub *subscription.Subscription, freq string) {
	l.log("OnRealMaxFrequency called", zap.String("frequency", freq))
	if l.wrapped != nil {
		l.wrapped.OnRealMaxFrequency(sub, freq)
	}
}

func (l *LoggingSubscriptionDelegate) OnCommandSecondLevelItemLostUpdates(sub *subscription.Subscription, lost int, key string) {
	l.log("OnCommandSecondLevelItemLostUpdates called", zap.String("key", key), zap.Int("lost", lost))
	if l.wrapped != nil {
		l.wrapped.OnCommandSecondLevelItemLostUpdates(sub, lost, key)
	}
}

func (l *LoggingSubscriptionDelegate) OnCommandSecondLevelSubscriptionError(sub *subscription.Subscription, code int, msg string, key string) {
	l.log("OnCommandSecondLevelSubscriptionError called", zap.String("key", key), zap.Int("code", code), zap.String("message", msg))
	if l.wrapped != nil {
		l.wrapped.OnCommandSecondLevelSubscriptionError(sub, code, msg, key)
	}
}

// LoggingMessageDelegate logs the outcome of messages.
type LoggingMessageDelegate struct {
	logSink
	wrapped message.Delegate
}

func NewLoggingMessageDelegate(wrapped message.Delegate, logger *zap.Logger, level zapcore.Level) *LoggingMessageDelegate {
	return &LoggingMessageDelegate{logSink: newLogSink(logger, level, "LoggingMessageDelegate"), wrapped: wrapped}
}

func msgFields(m *message.Message) []zap.Field {
	return []zap.Field{zap.String("sequence", m.Sequence), zap.String("text", m.Text)}
}

func (l *LoggingMessageDelegate) OnProcessed(m *message.Message, response string) {
	l.log("OnProcessed called", append(msgFields(m), zap.String("response", response))...)
	if l.wrapped != nil {
		l.wrapped.OnProcessed(m, response)
	}
}

func (l *LoggingMessageDelegate) OnDenied(m *message.Message, code int, reason string) {
	l.log("OnDenied called", append(msgFields(m), zap.Int("code", code), zap.String("reason", reason))...)
	if l.wrapped != nil {
		l.wrapped.OnDenied(m, code, reason)
	}
}

func (l *LoggingMessageDelegate) OnFailed(m *message.Message) {
	l.log("OnFailed called", msgFields(m)...)
	if l.wrapped != nil {
		l.wrapped.OnFailed(m)
	}
}

func (l *LoggingMessageDelegate) OnDiscarded(m *message.Message) {
	l.log("OnDiscarded called", msgFields(m)...)
	if l.wrapped != nil {
		l.wrapped.OnDiscarded(m)
	}
}

func (l *LoggingMessageDelegate) OnAbort(m *message.Message, sentOnNetwork bool) {
	l.log("OnAbort called", append(msgFields(m), zap.Bool("sentOnNetwork", sentOnNetwork))...)
	if l.wrapped != nil {
		l.wrapped.OnAbort(m, sentOnNetwork)
	}
}
