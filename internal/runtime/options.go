package runtime

import (
	"log/slog"

	"github.com/drksbr/portalgate/internal/logger"
	"github.com/drksbr/portalgate/internal/version"
)

// Options carries the flags shared by every subcommand.
type Options struct {
	JSONLogs bool
	LogLevel string
	EnvFile  string

	logger *logger.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		ServiceName: "portalgate",
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = l
	return nil
}

// Logger returns the root logger, or nil before SetupLogger has run.
func (o *Options) Logger() *slog.Logger {
	if o.logger == nil {
		return nil
	}
	return o.logger.Logger
}

// Component returns a child logger tagged with the component name.
func (o *Options) Component(name string) *slog.Logger {
	return o.logger.WithComponent(name)
}
