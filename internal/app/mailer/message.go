package mailer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is a raw RFC 5322 message split into parsed header and
// undecoded body. Body bytes are kept as is, so message could be
// re-serialized byte-exact after header modifications.
type Message struct {
	Header mail.Header
	Body   []byte
}

// MessageInfo describes message stored in a folder without its content.
type MessageInfo struct {
	UID     string
	Flags   Flags
	Size    int64
	Date    time.Time
	Subject string
}

// ReadMessage parses message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)

	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Message{
		Header: mail.Header{Header: message.Header{Header: h}},
		Body:   body,
	}, nil
}

// ParseMessage is a shorthand for ReadMessage over byte slice.
func ParseMessage(raw []byte) (*Message, error) {
	return ReadMessage(bytes.NewReader(raw))
}

// WriteTo serializes message into w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := textproto.WriteHeader(cw, m.Header.Header.Header); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}
	if _, err := cw.Write(m.Body); err != nil {
		return cw.n, fmt.Errorf("write body: %w", err)
	}

	return cw.n, nil
}

// Bytes returns serialized message.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = m.WriteTo(&buf)
	return buf.Bytes()
}

// Size returns length of serialized message in bytes.
func (m *Message) Size() int64 {
	n, _ := m.WriteTo(io.Discard)
	return n
}

// Clone returns deep copy of the message header. Body slice is shared
// as it is never modified in place.
func (m *Message) Clone() *Message {
	return &Message{
		Header: mail.Header{Header: message.Header{Header: m.Header.Header.Header.Copy()}},
		Body:   m.Body,
	}
}

// Entity returns parsed MIME structure of the message with decoded
// transfer encodings and charsets.
func (m *Message) Entity() (*message.Entity, error) {
	e, err := message.Read(bytes.NewReader(m.Bytes()))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}

	return e, nil
}

// Subject returns decoded Subject header, falling back to raw value.
func (m *Message) Subject() string {
	s, err := m.Header.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return s
}

// Info builds MessageInfo for the message.
func (m *Message) Info(uid string, flags Flags) *MessageInfo {
	date, _ := m.Header.Date()
	return &MessageInfo{
		UID:     uid,
		Flags:   flags,
		Size:    m.Size(),
		Date:    date,
		Subject: m.Subject(),
	}
}

// RemoveHeaders deletes every header field whose name starts with prefix
// (case-insensitive) and returns removed fields in their original order.
func (m *Message) RemoveHeaders(prefix string) []HeaderField {
	var removed []HeaderField

	prefix = strings.ToLower(prefix)
	fields := m.Header.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), prefix) {
			removed = append(removed, HeaderField{Key: fields.Key(), Value: fields.Value()})
			fields.Del()
		}
	}

	return removed
}

// RestoreHeaders adds previously removed fields back to the header.
func (m *Message) RestoreHeaders(fields []HeaderField) {
	for _, f := range fields {
		m.Header.Add(f.Key, f.Value)
	}
}

// HeaderField is a single raw header line.
type HeaderField struct {
	Key   string
	Value string
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
