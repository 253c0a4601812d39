package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"duelsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	sinkMu sync.RWMutex
	sink   io.Writer = os.Stdout
)

// Init configures the global zerolog logger. A LOG_FILE that cannot be opened
// falls back to stdout.
func Init(cfg config.LogConfig) {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var base io.Writer = os.Stdout
	var fileErr error
	if path := strings.TrimSpace(cfg.File); path != "" {
		w, err := newSizeLimitedWriter(path, cfg.MaxMB)
		if err != nil {
			fileErr = err
		} else {
			base = w
		}
	}
	sinkMu.Lock()
	sink = base
	sinkMu.Unlock()

	var output io.Writer = base
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: base}
	}

	zerolog.SetGlobalLevel(level)
	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()
	if cfg.SampleEvery > 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleEvery)})
	}
	log.Logger = logger
	if fileErr != nil {
		log.Warn().Err(fileErr).Str("path", cfg.File).Msg("open log file failed; logging to stdout")
	}
}

// Writer returns the raw sink chosen by Init so slog-based middleware writes
// next to zerolog output.
func Writer() io.Writer {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}
