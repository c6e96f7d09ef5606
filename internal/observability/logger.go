package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/linkmux/internal/logging"
)

// InitLogger installs the process logger from cfg and tags every entry with
// the binary name.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logging.Apply(cfg)
	log.Logger = log.Logger.With().Str("app", app).Logger()
	return log.Logger
}
