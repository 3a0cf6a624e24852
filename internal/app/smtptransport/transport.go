// Package smtptransport implements mailer.Transport over SMTP submission.
package smtptransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/pkg/units"
)

var ErrMessageTooLarge = errors.New("message too large")

// Security is connection protection mode.
type Security int

const (
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityNone
)

type SMTPDialer interface {
	Dial(address string, security Security, tlsConfig *tls.Config) (*smtp.Client, error)
}

type SMTPDialerFunc func(string, Security, *tls.Config) (*smtp.Client, error)

func (f SMTPDialerFunc) Dial(address string, security Security, tlsConfig *tls.Config) (*smtp.Client, error) {
	return f(address, security, tlsConfig)
}

// DefaultDialer dials with go-smtp according to security mode.
var DefaultDialer = SMTPDialerFunc(func(address string, security Security, tlsConfig *tls.Config) (*smtp.Client, error) {
	switch security {
	case SecurityStartTLS:
		return smtp.DialStartTLS(address, tlsConfig)
	case SecurityNone:
		return smtp.Dial(address)
	default:
		return smtp.DialTLS(address, tlsConfig)
	}
})

// Settings are connection parameters decoded from transport URL.
type Settings struct {
	Address  string
	Host     string
	Security Security
	Username string
	Password string
	// ServerSideSent marks servers filing submitted mail into Sent
	// themselves.
	ServerSideSent bool
}

// ParseURL decodes smtps://, smtp+starttls:// and smtp:// URLs.
func ParseURL(u *url.URL, password string) (Settings, error) {
	var s Settings

	var defaultPort string
	switch u.Scheme {
	case "smtps":
		s.Security, defaultPort = SecurityTLS, "465"
	case "smtp+starttls":
		s.Security, defaultPort = SecurityStartTLS, "587"
	case "smtp":
		s.Security, defaultPort = SecurityNone, "25"
	default:
		return s, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, mailer.ErrURLInvalid)
	}

	s.Host = u.Hostname()
	if s.Host == "" {
		return s, fmt.Errorf("missing host in %q: %w", u.Redacted(), mailer.ErrURLInvalid)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	s.Address = net.JoinHostPort(s.Host, port)

	if u.User != nil {
		s.Username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}
	s.Password = password
	s.ServerSideSent = u.Query().Get("sent_folder") == "server"

	return s, nil
}

// Transport submits messages to an SMTP server, one connection per message.
type Transport struct {
	uid      string
	name     string
	url      *url.URL
	settings Settings
	maxSize  int64
	dialer   SMTPDialer
	logger   *slog.Logger
}

// New creates transport. maxSize limits accepted message size in bytes,
// zero means no local limit.
func New(uid, name string, u *url.URL, password string, maxSize int64, dialer SMTPDialer, log *slog.Logger) (*Transport, error) {
	settings, err := ParseURL(u, password)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = DefaultDialer
	}
	if name == "" {
		name = settings.Host
	}

	return &Transport{
		uid:      uid,
		name:     name,
		url:      u,
		settings: settings,
		maxSize:  maxSize,
		dialer:   dialer,
		logger:   log.With(slog.String("module", "smtptransport"), slog.String("transport", uid)),
	}, nil
}

func (t *Transport) UID() string { return t.uid }

func (t *Transport) DisplayName() string { return t.name }

func (t *Transport) URL() *url.URL { return t.url }

func (t *Transport) Provider() mailer.Provider {
	return mailer.Provider{Protocol: "smtp", DisableSentFolder: t.settings.ServerSideSent}
}

// Connect is a no-op: connection is opened for every SendTo.
func (t *Transport) Connect(context.Context) error { return nil }

func (t *Transport) Disconnect(context.Context, bool) error { return nil }

func (t *Transport) SendTo(ctx context.Context, msg *mailer.Message, from *mail.Address, recipients []*mail.Address) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}
	if from == nil || from.Address == "" {
		return errors.New("cannot send message: no sender address")
	}
	if len(recipients) == 0 {
		return errors.New("cannot send message: no recipients defined")
	}

	raw := withoutBcc(msg).Bytes()
	if err := checkSize(int64(len(raw)), t.maxSize); err != nil {
		return err
	}

	client, err := t.dialer.Dial(t.settings.Address, t.settings.Security, &tls.Config{ServerName: t.settings.Host})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", mailer.ErrConnect, t.name, err)
	}
	defer client.Close()

	// Closing connection unblocks pending command on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err = t.submit(client, raw, from, recipients); err != nil {
		if ctx.Err() != nil {
			return mailer.ErrCancelled
		}
		return err
	}

	t.logger.DebugContext(ctx, "message sent",
		slog.String("from", from.Address),
		slog.Int("recipients", len(recipients)),
		slog.String("size", units.HumanSize(float64(len(raw)))),
	)
	return nil
}

func (t *Transport) submit(client *smtp.Client, raw []byte, from *mail.Address, recipients []*mail.Address) error {
	if ok, param := client.Extension("SIZE"); ok && param != "" {
		if limit, err := strconv.ParseInt(param, 10, 64); err == nil {
			if err = checkSize(int64(len(raw)), limit); err != nil {
				return err
			}
		}
	}

	if t.settings.Username != "" {
		ok, mechs := client.Extension("AUTH")
		if !ok || !hasMechanism(mechs, sasl.Plain) {
			return fmt.Errorf("%s does not support %s authentication", t.name, sasl.Plain)
		}
		if err := client.Auth(sasl.NewPlainClient("", t.settings.Username, t.settings.Password)); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if err := client.Mail(from.Address, nil); err != nil {
		return fmt.Errorf("MAIL FROM %s: %w", from.Address, err)
	}
	for _, r := range recipients {
		if err := client.Rcpt(r.Address, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", r.Address, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err = w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	return client.Quit()
}

// withoutBcc returns copy of msg with blind copy headers dropped.
func withoutBcc(msg *mailer.Message) *mailer.Message {
	out := msg.Clone()
	out.Header.Del("Bcc")
	out.Header.Del(mailer.HeaderResentBcc)
	return out
}

func checkSize(size, limit int64) error {
	if limit > 0 && size > limit {
		return fmt.Errorf("%w: %s exceeds limit of %s", ErrMessageTooLarge,
			units.HumanSize(float64(size)), units.HumanSize(float64(limit)))
	}
	return nil
}

func hasMechanism(list, mech string) bool {
	for _, m := range strings.Fields(list) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}
