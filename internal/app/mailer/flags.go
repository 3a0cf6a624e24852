package mailer

import (
	"fmt"
	"strings"
)

// Flags is a set of system message flags.
type Flags uint32

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagForwarded
	FlagJunk
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSeen, "seen"},
	{FlagAnswered, "answered"},
	{FlagFlagged, "flagged"},
	{FlagDeleted, "deleted"},
	{FlagDraft, "draft"},
	{FlagForwarded, "forwarded"},
	{FlagJunk, "junk"},
}

// Has reports whether every flag of other is set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Apply sets bits selected by mask to the values from set.
func (f Flags) Apply(mask, set Flags) Flags {
	return f&^mask | set&mask
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseFlag maps flag name (case-insensitive) to its value.
// "replied" and "answered_all" are accepted as aliases of answered.
func ParseFlag(name string) (Flags, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "replied", "answered_all":
		return FlagAnswered, nil
	}
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, nil
		}
	}

	return 0, fmt.Errorf("unknown message flag %q", name)
}

// ParseFlags parses list of flag names.
func ParseFlags(names []string) (Flags, error) {
	var flags Flags
	for _, n := range names {
		f, err := ParseFlag(n)
		if err != nil {
			return 0, err
		}
		flags |= f
	}

	return flags, nil
}
