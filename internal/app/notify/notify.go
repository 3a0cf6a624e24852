// Package notify announces new mail matched by filter rules with the
// notify action.
package notify

import (
	"context"
	"log/slog"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Sink receives rendered notifications.
type Sink interface {
	NewMail(ctx context.Context, text string)
}

type Notifier struct {
	renderer *Renderer
	sinks    []Sink
	logger   *slog.Logger
}

func New(renderer *Renderer, log *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{
		renderer: renderer,
		sinks:    sinks,
		logger:   log.With(slog.String("module", "notify")),
	}
}

// Notify renders msg and passes it to every sink. It has filter.NotifyFunc
// signature.
func (n *Notifier) Notify(ctx context.Context, msg *mailer.Message) {
	text, err := n.renderer.Render(msg)
	if err != nil {
		n.logger.WarnContext(ctx, "unable to render notification", slog.Any("err", err))
		return
	}

	n.logger.InfoContext(ctx, "new mail", slog.String("subject", msg.Subject()))
	for _, s := range n.sinks {
		s.NewMail(ctx, text)
	}
}
