package mailer

import "strings"

// Bookkeeping headers attached to queued and draft messages.
// They are stripped before transmission.
const (
	HeaderPrefix        = "X-Evolution"
	HeaderFcc           = "X-Evolution-Fcc"
	HeaderTransport     = "X-Evolution-Transport"
	HeaderPostTo        = "X-Evolution-PostTo"
	HeaderDraftFolder   = "X-Evolution-Draft-Folder"
	HeaderDraftMessage  = "X-Evolution-Draft-Message"
	HeaderSourceFolder  = "X-Evolution-Source-Folder"
	HeaderSourceMessage = "X-Evolution-Source-Message"
	HeaderSourceFlags   = "X-Evolution-Source-Flags"

	HeaderMailer = "X-Mailer"
)

// Resent headers take precedence over regular ones when present.
const (
	HeaderResentFrom = "Resent-From"
	HeaderResentTo   = "Resent-To"
	HeaderResentCc   = "Resent-Cc"
	HeaderResentBcc  = "Resent-Bcc"
)

// Find returns value of the first field with key among fields.
func Find(fields []HeaderField, key string) (string, bool) {
	for _, f := range fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return "", false
}

// FindAll returns values of every field with key among fields.
func FindAll(fields []HeaderField, key string) []string {
	var values []string
	for _, f := range fields {
		if strings.EqualFold(f.Key, key) {
			values = append(values, f.Value)
		}
	}
	return values
}
