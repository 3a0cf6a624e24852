package filter

import (
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"jaytaylor.com/html2text"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

var imapFlags = map[imap.Flag]mailer.Flags{
	imap.FlagSeen:      mailer.FlagSeen,
	imap.FlagAnswered:  mailer.FlagAnswered,
	imap.FlagFlagged:   mailer.FlagFlagged,
	imap.FlagDeleted:   mailer.FlagDeleted,
	imap.FlagDraft:     mailer.FlagDraft,
	imap.FlagForwarded: mailer.FlagForwarded,
	imap.FlagJunk:      mailer.FlagJunk,
}

var htmlToTextOpts = html2text.Options{TextOnly: true}

// candidate is a message being evaluated against criteria.
// Body text is extracted lazily and only once.
type candidate struct {
	msg      *mailer.Message
	flags    mailer.Flags
	size     int64
	received time.Time

	body     string
	bodyRead bool
}

func newCandidate(msg *mailer.Message, info *mailer.MessageInfo) *candidate {
	c := &candidate{msg: msg}
	if info != nil {
		c.flags = info.Flags
		c.size = info.Size
		c.received = info.Date
	}
	if c.size == 0 {
		c.size = msg.Size()
	}
	if c.received.IsZero() {
		c.received, _ = msg.Header.Date()
	}
	return c
}

// Match reports whether message satisfies criteria.
func Match(criteria *imap.SearchCriteria, msg *mailer.Message, info *mailer.MessageInfo) bool {
	return newCandidate(msg, info).match(criteria)
}

func (c *candidate) match(criteria *imap.SearchCriteria) bool {
	if criteria == nil {
		return true
	}

	for _, f := range criteria.Flag {
		if !c.hasFlag(f) {
			return false
		}
	}
	for _, f := range criteria.NotFlag {
		if c.hasFlag(f) {
			return false
		}
	}

	for _, h := range criteria.Header {
		if !c.matchHeader(h.Key, h.Value) {
			return false
		}
	}
	for _, s := range criteria.Body {
		if !containsFold(c.text(), s) {
			return false
		}
	}
	for _, s := range criteria.Text {
		if !containsFold(c.headerText(), s) && !containsFold(c.text(), s) {
			return false
		}
	}

	if !matchDates(c.received, criteria.Since, criteria.Before) {
		return false
	}
	sent, _ := c.msg.Header.Date()
	if !matchDates(sent, criteria.SentSince, criteria.SentBefore) {
		return false
	}

	if criteria.Larger > 0 && c.size <= criteria.Larger {
		return false
	}
	if criteria.Smaller > 0 && c.size >= criteria.Smaller {
		return false
	}

	for i := range criteria.Not {
		if c.match(&criteria.Not[i]) {
			return false
		}
	}
	for _, or := range criteria.Or {
		if !c.match(&or[0]) && !c.match(&or[1]) {
			return false
		}
	}

	return true
}

func (c *candidate) hasFlag(f imap.Flag) bool {
	mapped, ok := imapFlags[f]
	if !ok {
		return false
	}
	return c.flags.Has(mapped)
}

// matchHeader checks whether any header field key contains value.
// Empty value matches presence of the field.
func (c *candidate) matchHeader(key, value string) bool {
	fields := c.msg.Header.FieldsByKey(key)
	for fields.Next() {
		if value == "" {
			return true
		}

		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		if containsFold(text, value) {
			return true
		}
	}

	return false
}

func (c *candidate) headerText() string {
	var sb strings.Builder

	fields := c.msg.Header.Fields()
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}

	return sb.String()
}

// text returns decoded textual content of all text parts. HTML is
// converted to plain text.
func (c *candidate) text() string {
	if c.bodyRead {
		return c.body
	}
	c.bodyRead = true

	entity, err := c.msg.Entity()
	if err != nil {
		c.body = string(c.msg.Body)
		return c.body
	}

	var sb strings.Builder
	_ = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}

		mediaType, _, _ := part.Header.ContentType()
		if !strings.HasPrefix(mediaType, "text/") && mediaType != "" {
			return nil
		}

		raw, err := io.ReadAll(part.Body)
		if err != nil {
			return nil
		}

		if mediaType == "text/html" {
			if plain, err := html2text.FromString(string(raw), htmlToTextOpts); err == nil {
				raw = []byte(plain)
			}
		}
		sb.Write(raw)
		sb.WriteByte('\n')
		return nil
	})

	c.body = sb.String()
	return c.body
}

func matchDates(t, since, before time.Time) bool {
	if since.IsZero() && before.IsZero() {
		return true
	}
	if t.IsZero() {
		return false
	}

	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if !since.IsZero() && day.Before(since) {
		return false
	}
	if !before.IsZero() && !day.Before(before) {
		return false
	}

	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
