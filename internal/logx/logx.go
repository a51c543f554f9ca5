package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/schema"
)

type contextKey int

const (
	tabKey contextKey = iota
	generationKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithTab annotates the logger with the tab id if present.
func WithTab(ctx context.Context, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithAgent annotates the logger with tab and agent generation identifiers.
func WithAgent(ctx context.Context, tabID schema.TabID, gen schema.Generation) pslog.Logger {
	log := WithTab(ctx, tabID)
	if gen != "" {
		if current, ok := ctx.Value(generationKey).(schema.Generation); ok && current == gen {
			return log
		}
		log = log.With("generation", gen)
	}
	return log
}

// WithMessage annotates the logger with message metadata.
func WithMessage(log pslog.Logger, msg schema.Message) pslog.Logger {
	if msg.Action != "" {
		log = log.With("action", msg.Action)
	}
	if msg.TabNumber > 0 {
		log = log.With("tab_number", msg.TabNumber)
	}
	return log
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithAgent stores tab/generation markers on the context.
func ContextWithAgent(ctx context.Context, tabID schema.TabID, gen schema.Generation) context.Context {
	ctx = ContextWithTab(ctx, tabID)
	if ctx == nil || gen == "" {
		return ctx
	}
	return context.WithValue(ctx, generationKey, gen)
}

// ContextWithAgentLogger attaches the logger and tab/generation markers to the context.
func ContextWithAgentLogger(ctx context.Context, log pslog.Logger, tabID schema.TabID, gen schema.Generation) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithAgent(ctx, tabID, gen)
}
