package logging

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sarchlab/strata/hooking"
)

type named interface {
	Name() string
}

// LogHook is a hook that writes one log event every time it is invoked.
type LogHook struct {
	logger    zerolog.Logger
	level     zerolog.Level
	positions map[*hooking.HookPos]bool
}

// NewLogHook creates a LogHook logging at debug level. When positions are
// given, other positions are ignored.
func NewLogHook(logger zerolog.Logger, positions ...*hooking.HookPos) *LogHook {
	h := &LogHook{
		logger: logger,
		level:  zerolog.DebugLevel,
	}

	if len(positions) > 0 {
		h.positions = make(map[*hooking.HookPos]bool, len(positions))
		for _, p := range positions {
			h.positions[p] = true
		}
	}

	return h
}

// WithLevel sets the level the hook logs at.
func (h *LogHook) WithLevel(level zerolog.Level) *LogHook {
	h.level = level
	return h
}

// Func logs the hook position, the domain and the item.
func (h *LogHook) Func(ctx hooking.HookCtx) {
	if h.positions != nil && !h.positions[ctx.Pos] {
		return
	}

	e := h.logger.WithLevel(h.level)
	if !e.Enabled() {
		return
	}

	if ctx.Pos != nil {
		e = e.Str("pos", ctx.Pos.Name)
	}

	if d, ok := ctx.Domain.(named); ok {
		e = e.Str("domain", d.Name())
	}

	if ctx.Item != nil {
		e = e.Str("item", describe(ctx.Item))
	}

	if ctx.Detail != nil {
		e = e.Str("detail", describe(ctx.Detail))
	}

	e.Msg("hook")
}

func describe(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}

	return fmt.Sprintf("%v", v)
}
