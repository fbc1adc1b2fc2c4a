// Package dekuctx provides the per-invocation Context described in
// spec §3: the single logical owner of an ELF model, its symbol
// resolver index, and the verbosity-gated logger, held in one value
// instead of a global (spec §9 DESIGN NOTES: "explicit verbosity
// config threaded through the context"). The CLI driver builds a
// Context; the core packages do not take one.
package dekuctx

import (
	"log/slog"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
)

// Context owns one input File plus the resolver Index built over it,
// and a logger at the verbosity the caller requested. Scratch hands
// out per-pass maps keyed by symbol index, so two passes that use it
// never collide over the same slot (spec §9 DESIGN NOTES).
type Context struct {
	Logger *slog.Logger
	File   *obj.File
	Idx    *resolve.Index

	scratch map[string]map[int]any
}

// New builds a Context over f. A nil logger falls back to a
// warn-level stderr logger.
func New(f *obj.File, logger *slog.Logger) *Context {
	if logger == nil {
		logger = NewLogger(0)
	}
	return &Context{
		Logger:  logger,
		File:    f,
		Idx:     resolve.NewIndex(f),
		scratch: make(map[string]map[int]any),
	}
}

// NewLogger builds a logger at the level implied by verbosity (a
// repeated -v count from the CLI driver): 0 warn, 1 info, 2+ debug.
func NewLogger(verbosity int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Scratch returns the per-symbol-index scratch map for the named
// pass, creating it on first use. Each pass name gets its own map, so
// a "diff verdict" pass and a "callees vector" pass never alias the
// same storage even when they run over the same Context.
func (c *Context) Scratch(pass string) map[int]any {
	m, ok := c.scratch[pass]
	if !ok {
		m = make(map[int]any)
		c.scratch[pass] = m
	}
	return m
}
