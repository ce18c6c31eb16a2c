package setup

import "log/slog"

// packageLogger serves Load, which runs before the CLI has a logger of its own
// to pass down (the --config flag is read first). Every other package takes
// its logger as an argument.
var packageLogger *slog.Logger = slog.Default()

// SetLogger replaces the logger Load reports overrides with. nil restores the
// process default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}
