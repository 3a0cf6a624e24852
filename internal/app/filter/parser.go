package filter

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-imap/v2"
)

// Parse converts filter expression into IMAP search criteria.
//
// Grammar:
//
//	Expression:
//		Term || Expression
//		Term
//
//	Term:
//		Unary && Term
//		Unary
//
//	Unary:
//		!Unary
//		( Expression )
//		Primary
//
//	Primary:
//		FlagToken
//		HeaderToken == String
//		HeaderToken != String
//		MsgToken == String
//		MsgToken != String
//		DateToken == String
//		SIZE > Number
//		SIZE < Number
func Parse(expr string) (*imap.SearchCriteria, error) {
	runes := []rune(expr)

	criteria, i, err := parseExpression(runes, 0)
	if err != nil {
		return nil, err
	}

	i = skipSpace(runes, i)
	if i < len(runes) {
		return nil, fmt.Errorf("unexpected '%c' at position %d", runes[i], i)
	}
	if criteria == nil {
		return nil, errors.New("empty filter expression")
	}

	return criteria, nil
}

func parseExpression(expr []rune, i int) (*imap.SearchCriteria, int, error) {
	criteria, i, err := parseTerm(expr, i)
	if err != nil {
		return nil, i, err
	}

	for {
		i = skipSpace(expr, i)
		if i >= len(expr) || expr[i] != '|' {
			return criteria, i, nil
		}

		if i, err = expectOp(expr, i, "||"); err != nil {
			return nil, i, err
		}

		var t *imap.SearchCriteria
		t, i, err = parseTerm(expr, i)
		if err != nil {
			return nil, i, err
		}

		criteria = addOrCriteria(criteria, t)
	}
}

func parseTerm(expr []rune, i int) (*imap.SearchCriteria, int, error) {
	criteria, i, err := parseUnary(expr, i)
	if err != nil {
		return nil, i, err
	}

	for {
		i = skipSpace(expr, i)
		if i >= len(expr) || expr[i] != '&' {
			return criteria, i, nil
		}

		if i, err = expectOp(expr, i, "&&"); err != nil {
			return nil, i, err
		}

		var t *imap.SearchCriteria
		t, i, err = parseUnary(expr, i)
		if err != nil {
			return nil, i, err
		}

		criteria = addAndCriteria(criteria, t)
	}
}

func parseUnary(expr []rune, i int) (*imap.SearchCriteria, int, error) {
	i = skipSpace(expr, i)
	if i >= len(expr) {
		return nil, i, errors.New("unexpected end of expression")
	}

	switch expr[i] {
	case '!':
		t, i, err := parseUnary(expr, i+1)
		if err != nil {
			return nil, i, err
		}
		return addNotCriteria(t), i, nil

	case '(':
		t, i, err := parseExpression(expr, i+1)
		if err != nil {
			return nil, i, err
		}
		i = skipSpace(expr, i)
		if i >= len(expr) || expr[i] != ')' {
			return nil, i, errors.New("missing closing parenthesis")
		}
		return t, i + 1, nil
	}

	return parsePrimary(expr, i)
}

func parsePrimary(expr []rune, i int) (*imap.SearchCriteria, int, error) {
	start := i
	token, i := parseToken(expr, i)
	if token == "" {
		return nil, i, fmt.Errorf("expected token at position %d", start)
	}

	key := strings.ToUpper(token)
	if _, ok := flagTokens[key]; ok {
		return assignFlag(&imap.SearchCriteria{}, key), i, nil
	}

	i = skipSpace(expr, i)
	if i+1 >= len(expr) {
		return nil, i, fmt.Errorf("expected comparison after %q", token)
	}

	if key == "SIZE" {
		return parseSize(expr, i)
	}

	var opFunc cmpFunc
	switch {
	case expr[i] == '=' && expr[i+1] == '=':
		opFunc = addEqCmpCriteriaOp
	case expr[i] == '!' && expr[i+1] == '=':
		opFunc = addNotEqCmpCriteriaOp
	default:
		return nil, i, fmt.Errorf("unexpected token '%c' after %q", expr[i], token)
	}

	value, i, err := parseQuotedToken(expr, i+2)
	if err != nil {
		return nil, i, err
	}

	criteria, err := opFunc(&imap.SearchCriteria{}, key, value)
	if err != nil {
		return nil, i, err
	}
	return criteria, i, nil
}

func parseSize(expr []rune, i int) (*imap.SearchCriteria, int, error) {
	op := expr[i]
	if op != '>' && op != '<' {
		return nil, i, fmt.Errorf("unexpected token '%c' after SIZE", op)
	}

	i = skipSpace(expr, i+1)
	start := i
	for i < len(expr) && unicode.IsDigit(expr[i]) {
		i++
	}

	n, err := strconv.ParseInt(string(expr[start:i]), 10, 64)
	if err != nil {
		return nil, i, fmt.Errorf("parse size: %w", err)
	}

	if op == '>' {
		return &imap.SearchCriteria{Larger: n}, i, nil
	}
	return &imap.SearchCriteria{Smaller: n}, i, nil
}

func parseToken(expr []rune, i int) (string, int) {
	var sb strings.Builder

	for i < len(expr) {
		c := expr[i]

		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_':
			sb.WriteRune(c)
			i++

		default:
			return sb.String(), i
		}
	}

	return sb.String(), i
}

func parseQuotedToken(expr []rune, i int) (string, int, error) {
	var sb strings.Builder
	var startQuote rune

	for i < len(expr) {
		c := expr[i]

		switch {
		case startQuote == 0 && (c == '\'' || c == '"'):
			startQuote = c
			i++

		case startQuote == 0 && unicode.IsSpace(c):
			i++

		case startQuote == 0:
			return "", i, fmt.Errorf("expected starting quote but got '%c'", c)

		case c != startQuote:
			sb.WriteRune(c)
			i++

		default:
			return sb.String(), i + 1, nil
		}
	}

	if startQuote != 0 {
		return "", i, errors.New("missing closing quote")
	}

	return "", i, errors.New("expected quoted string")
}

func expectOp(expr []rune, i int, op string) (int, error) {
	for _, c := range op {
		if i >= len(expr) || expr[i] != c {
			return i, fmt.Errorf("expected %q operator at position %d", op, i)
		}
		i++
	}
	return i, nil
}

func skipSpace(expr []rune, i int) int {
	for i < len(expr) && unicode.IsSpace(expr[i]) {
		i++
	}
	return i
}

type cmpFunc func(*imap.SearchCriteria, string, string) (*imap.SearchCriteria, error)

func addEqCmpCriteriaOp(c *imap.SearchCriteria, k, v string) (*imap.SearchCriteria, error) {
	switch k {
	case "BODY":
		c.Body = append(c.Body, v)
		return c, nil
	case "TEXT":
		c.Text = append(c.Text, v)
		return c, nil
	}

	if set, ok := dateTokens[k]; ok {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s date %q: %w", k, v, err)
		}
		set(c, t)
		return c, nil
	}

	c.Header = append(c.Header, imap.SearchCriteriaHeaderField{
		Key:   k,
		Value: v,
	})
	return c, nil
}

func addNotEqCmpCriteriaOp(c *imap.SearchCriteria, k, v string) (*imap.SearchCriteria, error) {
	t, err := addEqCmpCriteriaOp(&imap.SearchCriteria{}, k, v)
	if err != nil {
		return nil, err
	}
	c.Not = append(c.Not, *t)
	return c, nil
}

var flagTokens = map[string]imap.Flag{
	"JUNK":       imap.FlagJunk,
	"UNJUNK":     imap.FlagJunk,
	"SEEN":       imap.FlagSeen,
	"UNSEEN":     imap.FlagSeen,
	"DRAFT":      imap.FlagDraft,
	"UNDRAFT":    imap.FlagDraft,
	"DELETED":    imap.FlagDeleted,
	"UNDELETED":  imap.FlagDeleted,
	"FLAGGED":    imap.FlagFlagged,
	"UNFLAGGED":  imap.FlagFlagged,
	"PHISHING":   imap.FlagPhishing,
	"FORWARDED":  imap.FlagForwarded,
	"IMPORTANT":  imap.FlagImportant,
	"ANSWERED":   imap.FlagAnswered,
	"UNANSWERED": imap.FlagAnswered,
}

var dateTokens = map[string]func(*imap.SearchCriteria, time.Time){
	"SINCE":       func(c *imap.SearchCriteria, t time.Time) { c.Since = t },
	"BEFORE":      func(c *imap.SearchCriteria, t time.Time) { c.Before = t },
	"SENT-SINCE":  func(c *imap.SearchCriteria, t time.Time) { c.SentSince = t },
	"SENT-BEFORE": func(c *imap.SearchCriteria, t time.Time) { c.SentBefore = t },
}

func addAndCriteria(c1, c2 *imap.SearchCriteria) *imap.SearchCriteria {
	if c1 == nil {
		return c2
	}
	if c2 == nil {
		return c1
	}

	c1.And(c2)
	return c1
}

func addOrCriteria(c1, c2 *imap.SearchCriteria) *imap.SearchCriteria {
	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{*c1, *c2}},
	}
}

// addNotCriteria negates c. Criteria made of flags only are inverted
// in place, anything else is wrapped into NOT.
func addNotCriteria(c *imap.SearchCriteria) *imap.SearchCriteria {
	if onlyFlags(c) {
		return &imap.SearchCriteria{Flag: c.NotFlag, NotFlag: c.Flag}
	}

	return &imap.SearchCriteria{
		Not: []imap.SearchCriteria{*c},
	}
}

func onlyFlags(c *imap.SearchCriteria) bool {
	bare := imap.SearchCriteria{Flag: c.Flag, NotFlag: c.NotFlag}
	return len(c.Flag)+len(c.NotFlag) == 1 && reflect.DeepEqual(bare, *c)
}

func assignFlag(c *imap.SearchCriteria, flagToken string) *imap.SearchCriteria {
	flag, ok := flagTokens[flagToken]
	if !ok {
		return c
	}

	if strings.HasPrefix(flagToken, "UN") {
		c.NotFlag = append(c.NotFlag, flag)
		return c
	}

	c.Flag = append(c.Flag, flag)
	return c
}
