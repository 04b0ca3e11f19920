package obs

import "go.uber.org/zap"

// NewLogger builds a zap production logger. It is not the default: an
// Index logs through NopLogger unless a logger (such as this one) is
// passed through proximum.WithLogger.
func NewLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		// zap's production config only fails to build on a broken sink;
		// fall back to a development logger rather than leave callers
		// with a nil logger.
		logger = zap.NewExample()
	}
	return logger.Sugar()
}

// NopLogger returns a logger that discards everything, used as the default
// in tests and whenever a caller does not configure one explicitly.
func NopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
