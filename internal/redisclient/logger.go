package redisclient

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// zerologAdapter routes go-redis internal messages to zerolog
type zerologAdapter struct {
	logger zerolog.Logger
}

// Printf implements the go-redis logging interface
func (a zerologAdapter) Printf(ctx context.Context, format string, v ...interface{}) {
	a.logger.Debug().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

// SetLogger installs logger as the go-redis internal logger
func SetLogger(logger zerolog.Logger) {
	redis.SetLogger(zerologAdapter{logger: logger.With().Str("component", "go-redis").Logger()})
}
