package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Source selects which messages rule applies to.
type Source string

const (
	SourceIncoming Source = "incoming"
	SourceOutgoing Source = "outgoing"
	SourceDemand   Source = "demand"
)

// NotificationRule is a name of the rule announcing new mail.
// It is dropped when filtering folders on demand without notifications.
const NotificationRule = "new-mail-notification"

type ActionKind int

const (
	ActionMove ActionKind = iota
	ActionCopy
	ActionSetFlags
	ActionUnsetFlags
	ActionDelete
	ActionStop
	ActionNotify
)

func (k ActionKind) String() string {
	switch k {
	case ActionMove:
		return "move"
	case ActionCopy:
		return "copy"
	case ActionSetFlags:
		return "flag"
	case ActionUnsetFlags:
		return "unflag"
	case ActionDelete:
		return "delete"
	case ActionStop:
		return "stop"
	case ActionNotify:
		return "notify"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

type Action struct {
	Kind   ActionKind
	Folder string // folder URI for move and copy
	Flags  mailer.Flags
}

// Rule is matched against every filtered message; on match its actions are
// performed in order.
type Rule struct {
	Name     string
	Source   Source
	Criteria *imap.SearchCriteria
	Actions  []Action
}

// NewRule builds rule from filter expression.
func NewRule(name string, source Source, expr string, actions ...Action) (Rule, error) {
	rule := Rule{Name: name, Source: source, Actions: actions}
	if source == "" {
		rule.Source = SourceIncoming
	}

	if strings.TrimSpace(expr) != "" {
		criteria, err := Parse(expr)
		if err != nil {
			return rule, fmt.Errorf("parse filter expression %q: %w", expr, err)
		}
		rule.Criteria = criteria
	}

	return rule, nil
}

// RulesFromConfig converts configured rules, skipping disabled ones.
func RulesFromConfig(cfgs []config.FilterRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	var errs []error

	for _, rc := range cfgs {
		if rc.Disabled {
			continue
		}

		actions, err := actionsFromConfig(rc.Actions)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rc.Name, err))
			continue
		}

		rule, err := NewRule(rc.Name, Source(rc.Source), rc.Match, actions...)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rc.Name, err))
			continue
		}
		rules = append(rules, rule)
	}

	return rules, errors.Join(errs...)
}

func actionsFromConfig(cfgs []config.FilterAction) ([]Action, error) {
	var actions []Action

	for _, ac := range cfgs {
		if ac.Move != "" {
			actions = append(actions, Action{Kind: ActionMove, Folder: ac.Move})
		}
		if ac.Copy != "" {
			actions = append(actions, Action{Kind: ActionCopy, Folder: ac.Copy})
		}
		if len(ac.Flag) > 0 {
			flags, err := mailer.ParseFlags(ac.Flag)
			if err != nil {
				return nil, err
			}
			actions = append(actions, Action{Kind: ActionSetFlags, Flags: flags})
		}
		if len(ac.Unflag) > 0 {
			flags, err := mailer.ParseFlags(ac.Unflag)
			if err != nil {
				return nil, err
			}
			actions = append(actions, Action{Kind: ActionUnsetFlags, Flags: flags})
		}
		if ac.Delete {
			actions = append(actions, Action{Kind: ActionDelete})
		}
		if ac.Notify {
			actions = append(actions, Action{Kind: ActionNotify})
		}
		if ac.Stop {
			actions = append(actions, Action{Kind: ActionStop})
		}
	}

	return actions, nil
}
