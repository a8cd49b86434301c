package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/postpulse/sym"
)

// Symbol-aware logging helpers.
// The symbol is logged as a structured field, not in the message, so logs
// stay queryable by symbol and messages stay clean.

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// PulseInfow logs an info message on the global logger with the Pulse symbol
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		AddPulseSymbol(Logger).Infow(msg, keysAndValues...)
	}
}

// PulseWarnw logs a warning on the global logger with the Pulse symbol
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		AddPulseSymbol(Logger).Warnw(msg, keysAndValues...)
	}
}
