package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"
)

// Config selects the log level, format and optional Loki sink
type Config struct {
	Level   string `envconfig:"LOG_LEVEL" default:"info"`
	Format  string `envconfig:"LOG_FORMAT" default:"json"`
	LokiURL string `envconfig:"LOKI_URL"`
}

// New builds the process logger. The returned stop function flushes any
// remote sink and must be called before exit.
func New(cfg Config, service string) (*slog.Logger, func(), error) {
	level := ParseLevel(cfg.Level)

	if cfg.LokiURL != "" {
		lokiCfg, err := loki.NewDefaultConfig(cfg.LokiURL)
		if err != nil {
			return nil, nil, fmt.Errorf("loki config: %w", err)
		}
		client, err := loki.New(lokiCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("loki client: %w", err)
		}
		handler := slogloki.Option{Level: level, Client: client}.NewLokiHandler()
		return slog.New(handler).With("service", service), client.Stop, nil
	}

	return slog.New(newHandler(os.Stdout, cfg.Format, level)).With("service", service), func() {}, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps a level name to slog.Level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
