package logger

// Logger is the minimal structured logging interface the engine depends on.
// Implementations accept alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID per decision. It must be cheap and
// safe for concurrent calls.
type TraceIDFunc func() string
