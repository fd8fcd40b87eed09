// Package logging configures the process logger and carries request IDs
// through contexts.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config selects the output format and minimum level.
type Config struct {
	Format  string // json, console or auto
	Level   string // trace, debug, info, warn, error or disabled
	Service string // tags every line when set
}

type requestIDKey struct{}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()

	isTerminal = term.IsTerminal
)

// Init installs the process logger and returns it. The zerolog global logger
// follows it so packages logging through zerolog/log share one output.
func Init(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(levelFor(cfg.Level))

	lc := zerolog.New(writerFor(cfg.Format, os.Stderr)).With().Timestamp()
	if svc := strings.TrimSpace(cfg.Service); svc != "" {
		lc = lc.Str("service", svc)
	}
	l := lc.Logger()

	mu.Lock()
	base = l
	mu.Unlock()
	log.Logger = l
	return l
}

// Component returns parent tagged with the component that logs through it.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// WithRequestID stores id on ctx, generating one when id is blank.
func WithRequestID(ctx context.Context, id string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = strings.TrimSpace(id); id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey{}, id), id
}

// RequestID returns the ID stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the process logger, carrying the request ID when ctx
// has one.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if id := RequestID(ctx); id != "" {
		return l.With().Str("request_id", id).Logger()
	}
	return l
}

// levelFor maps a configured level name onto zerolog. Blank and unknown
// names mean info.
func levelFor(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// writerFor picks console output for "console", or for "auto" when out is a
// terminal, and raw JSON otherwise.
func writerFor(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "auto", "":
		if f, ok := out.(*os.File); ok && isTerminal(int(f.Fd())) {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
	}
	return out
}
