package src

import "go.uber.org/zap"

// Logger is the subset of *zap.SugaredLogger the storage core relies on.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	Infof(template string, args ...any)
	Info(args ...any)
	Error(args ...any)

	Sync() error
}

var _ Logger = (*zap.SugaredLogger)(nil)

// NopLogger discards everything.
func NopLogger() Logger {
	return zap.NewNop().Sugar()
}
