package logger

import (
	"context"
	"log/slog"
	"slices"
)

// ctxKey is a custom struct used for getting/setting log attributes values.
type ctxKey struct{}

// ContextHandler adds log attributes stored within context.Context
// to every record logged by methods like slog.InfoContext.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates new ContextHandler instance
// with provided handler as it's base.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: handler}
}

// Handle adds contextual attributes to slog.Record entry
// before calling underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// WithAttrs wraps ContextHandler around handler returned by base WithAttrs,
// so derived loggers keep picking up contextual attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithAttrs creates new context.Context value
// with slog attributes stored within it.
func WithAttrs(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	// Clip so that sibling contexts never share a backing array.
	v := slices.Clip(Attrs(parent))
	return context.WithValue(parent, ctxKey{}, append(v, attrs...))
}

// Attrs returns attributes previously stored with WithAttrs.
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	return v
}

// ReplaceAttr is a hook used for modifying attribute values.
//
// Currently it is only replacing passed error with their string form.
func ReplaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindAny {
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = slog.StringValue(err.Error())
		}
	}

	return attr
}
