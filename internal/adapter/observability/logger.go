package observability

import (
	"log/slog"
	"os"

	"github.com/glideops/flightbridge/internal/config"
)

// SetupLogger configures the process logger. Dev and LOCAL runs log at
// debug level; LOCAL additionally switches to the text handler so the
// scheduler and upstream chatter stays readable on a terminal. Every
// record carries the service and environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if cfg.Local {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
