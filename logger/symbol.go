package logger

import (
	"github.com/teranos/warden/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol travels as a structured field, not in the message:
//
//	logger.PulseInfow("Job started", "job_id", id)

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Pulse, msg, keysAndValues...)
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, withSymbol(sym.Pulse, keysAndValues)...)
	}
}

// PulseErrorw logs an error message with the Pulse symbol (꩜)
func PulseErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, withSymbol(sym.Pulse, keysAndValues)...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.DB, msg, keysAndValues...)
}

// SymbolInfow logs with any symbol
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, withSymbol(symbol, keysAndValues)...)
	}
}

// WithSymbol returns the global logger with the given symbol as a field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

func withSymbol(symbol string, keysAndValues []interface{}) []interface{} {
	return append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
}

// Instance logger wrappers, for components that hold their own logger:
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)

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

// AddLatchSymbol wraps a logger with the Latch symbol (⊘)
func AddLatchSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Latch)
}

// AddPhaseSymbol wraps a logger with the Phase symbol (▦)
func AddPhaseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Phase)
}

// AddAMSymbol wraps a logger with the AM symbol (≡)
func AddAMSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AM)
}
