package notify

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"jaytaylor.com/html2text"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// PreviewLength limits body excerpt put into Summary, in runes.
const PreviewLength = 200

const defaultTemplateContent = `
{{- define "addresses" -}}
	{{- range $idx, $address := . -}}
		{{- if ne $idx 0 -}}
			{{- printf ", " -}}
		{{- end -}}
		{{- address $address -}}
	{{- end -}}
{{- end -}}

New mail
{{ if .From }}From: {{ template "addresses" .From }}
{{ end }}
{{- if .To }}To: {{ template "addresses" .To }}
{{ end }}
{{- if .Subject }}Subject: {{ .Subject }}
{{ end }}
{{- if not .Date.IsZero }}Date: {{ .Date.Format "Jan 02 2006 15:04:05" }}
{{ end }}
{{- if .Preview }}
{{ quote .Preview }}{{ end }}`

var (
	defaultTemplateFuncs = template.FuncMap{
		"address":    formatAddress,
		"join":       strings.Join,
		"replaceAll": strings.ReplaceAll,
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"contains":   strings.Contains,
		"trimSpace":  strings.TrimSpace,
		"htmlstring": htmlToText,
		"quote":      quote,
	}
	defaultTemplateName = "default"
	defaultTemplate     = template.Must(
		template.
			New(defaultTemplateName).
			Funcs(defaultTemplateFuncs).
			Parse(defaultTemplateContent),
	)
)

// Summary is the data notification templates are executed with.
type Summary struct {
	From    []*mail.Address
	To      []*mail.Address
	Subject string
	Date    time.Time
	Preview string
}

// NewSummary extracts summary of msg. Malformed headers are left out.
func NewSummary(msg *mailer.Message) Summary {
	s := Summary{Subject: msg.Subject()}
	s.From, _ = msg.Header.AddressList("From")
	s.To, _ = msg.Header.AddressList("To")
	s.Date, _ = msg.Header.Date()
	s.Preview = preview(msg)
	return s
}

// Renderer turns message summaries into notification text.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses templateContent, the default template is used
// when it is empty.
func NewRenderer(templateContent string) (*Renderer, error) {
	if templateContent == "" {
		return &Renderer{tmpl: defaultTemplate}, nil
	}

	tmpl, err := template.
		New(templateHash(templateContent)).
		Funcs(defaultTemplateFuncs).
		Parse(templateContent)
	if err != nil {
		return nil, fmt.Errorf("custom template parsing: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(msg *mailer.Message) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, NewSummary(msg)); err != nil {
		return "", fmt.Errorf("template rendering: %w", err)
	}

	// Templates can hardly avoid the trailing newline.
	return strings.TrimSpace(buf.String()), nil
}

func templateHash(s string) string {
	h := fnv.New32()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("custom-%08x", h.Sum32())
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

var defaultHTMLToTextOpts = html2text.Options{TextOnly: true}

func htmlToText(payload any) string {
	var output string

	switch v := payload.(type) {
	case string:
		output, _ = html2text.FromString(v, defaultHTMLToTextOpts)
	case io.Reader:
		output, _ = html2text.FromReader(v, defaultHTMLToTextOpts)
	}

	return output
}

// quote prepends each line of s with '>' symbol.
func quote(s string) string {
	br := bytes.NewBufferString(s)
	bw := bytes.NewBuffer(make([]byte, 0, len(s)))

	for {
		line, err := br.ReadString('\n')
		if line == "" && err != nil {
			break
		}

		_, _ = fmt.Fprintf(bw, "> %s", line)
	}

	return bw.String()
}

// preview returns beginning of first textual part of msg, preferring
// plain text over HTML.
func preview(msg *mailer.Message) string {
	e, err := msg.Entity()
	if err != nil {
		return ""
	}

	var plain, html string
	_ = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}

		t, _, _ := part.Header.ContentType()
		if t == "" {
			t = "text/plain"
		}
		switch {
		case t == "text/plain" && plain == "":
			b, _ := io.ReadAll(part.Body)
			plain = string(b)
		case t == "text/html" && html == "":
			html = htmlToText(part.Body)
		}
		return nil
	})

	text := plain
	if strings.TrimSpace(text) == "" {
		text = html
	}
	return truncate(strings.TrimSpace(text), PreviewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
