package broadlink

// Logger interface for optional logging.
// *logging.Logger from the infrastructure package satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func orNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

func withFields(fields []any, kv ...any) []any {
	out := make([]any, 0, len(fields)+len(kv))
	out = append(out, fields...)
	return append(out, kv...)
}
