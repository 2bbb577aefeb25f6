package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// zapLogger lets watermill log through the global zap logger
type zapLogger struct {
	fields watermill.LogFields
}

// NewZapLogger returns a watermill.LoggerAdapter writing to zap.S()
func NewZapLogger() watermill.LoggerAdapter {
	return &zapLogger{}
}

func (l *zapLogger) keysAndValues(fields watermill.LogFields) []interface{} {
	all := l.fields.Add(fields)
	kv := make([]interface{}, 0, len(all)*2)
	for k, v := range all {
		kv = append(kv, k, v)
	}
	return kv
}

func (l *zapLogger) Error(msg string, err error, fields watermill.LogFields) {
	zap.S().Errorw(msg, append(l.keysAndValues(fields), "err", err)...)
}

func (l *zapLogger) Info(msg string, fields watermill.LogFields) {
	zap.S().Infow(msg, l.keysAndValues(fields)...)
}

func (l *zapLogger) Debug(msg string, fields watermill.LogFields) {
	zap.S().Debugw(msg, l.keysAndValues(fields)...)
}

// Trace is below zap's lowest level, it goes to debug
func (l *zapLogger) Trace(msg string, fields watermill.LogFields) {
	zap.S().Debugw(msg, l.keysAndValues(fields)...)
}

func (l *zapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapLogger{fields: l.fields.Add(fields)}
}
