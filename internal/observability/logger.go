package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the configured global logger with the application name and
// returns it. logging.Configure should run first so the writer and level are set.
func InitLogger(app string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a child of the global logger scoped to one pipeline component.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
