package accounts

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/imapstore"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/smtptransport"
	"github.com/hickar/sendrecv/internal/app/spool"
)

// Dialers used by DefaultFactory. Nil means library defaults.
type Dialers struct {
	IMAP imapstore.ImapDialer
	SMTP smtptransport.SMTPDialer
}

// DefaultFactory builds services from account URLs:
//
//	imap://, imaps://           synchronized IMAP store
//	imap+pull://, imaps+pull:// IMAP inbox downloaded into local folders
//	mbox:///path                local delivery spool
//	maildir:///path             Maildir tree
//	smtp://, smtps://, smtp+starttls:// transport
func DefaultFactory(dialers Dialers, log *slog.Logger) Factory {
	return func(acc config.Account) (mailer.Service, mailer.Transport, error) {
		var (
			store     mailer.Service
			transport mailer.Transport
		)

		if acc.StoreURL != "" {
			u, err := url.Parse(acc.StoreURL)
			if err != nil {
				return nil, nil, fmt.Errorf("store url: %w: %w", mailer.ErrURLInvalid, err)
			}

			switch {
			case strings.HasPrefix(u.Scheme, "imap"):
				store, err = imapstore.New(acc.ID, acc.Name, u, acc.Password, dialers.IMAP, log)
			case u.Scheme == "mbox":
				store, err = spool.New(acc.ID, acc.Name, u)
			case u.Scheme == "maildir":
				store, err = localstore.OpenAccount(acc.ID, acc.Name, u.Path, log)
			default:
				err = fmt.Errorf("unsupported store scheme %q: %w", u.Scheme, mailer.ErrURLInvalid)
			}
			if err != nil {
				return nil, nil, err
			}
		}

		if acc.TransportURL != "" {
			u, err := url.Parse(acc.TransportURL)
			if err != nil {
				return store, nil, fmt.Errorf("transport url: %w: %w", mailer.ErrURLInvalid, err)
			}
			maxSize, err := acc.MaxMessageBytes()
			if err != nil {
				return store, nil, fmt.Errorf("max message size: %w", err)
			}
			t, err := smtptransport.New(acc.ID+TransportSuffix, acc.Name, u, acc.Password, maxSize, dialers.SMTP, log)
			if err != nil {
				return store, nil, err
			}
			transport = t
		}

		return store, transport, nil
	}
}
