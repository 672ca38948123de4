package casc

import "log/slog"

// defaultLogger is used by a Storage whose Logger field is left nil.
var defaultLogger = slog.Default()

func (s *Storage) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return defaultLogger
}
