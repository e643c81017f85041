// Package classifier turns raw colored guild chat lines into typed relay
// messages using ordered rule tables, and names the ledger side effect a line
// implies.
package classifier

import (
	"regexp"
	"strings"

	"wynnbridge/pkg/itemcode"
)

// Class selects which rule table a line is evaluated against.
type Class int

const (
	General Class = iota
	Management
)

func (c Class) String() string {
	switch c {
	case General:
		return "general"
	case Management:
		return "management"
	default:
		return "unknown"
	}
}

// MessageType is the relay message discriminant understood by the sink.
type MessageType int

const (
	TypeChat MessageType = iota
	TypeInfo
	TypePlatformOnly
)

// Captures holds the named submatches of a rule pattern.
type Captures map[string]string

// Rule is one entry of an ordered rule table. Header, when non-empty, replaces
// the "header" capture. Text, when non-nil, replaces the "content" capture.
// Effect, when non-nil, names the side effect a match implies; it must be pure.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Type    MessageType
	Header  string
	Text    func(Captures) string
	Effect  func(Captures) Effect
}

// Match applies the rule's pattern to raw.
func (r Rule) Match(raw string) (Captures, bool) {
	m := r.Pattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, false
	}

	caps := make(Captures, len(m))
	for i, name := range r.Pattern.SubexpNames() {
		if name == "" {
			continue
		}
		caps[name] = m[i]
	}
	return caps, true
}

// Result is the outcome of classifying one line. Text is still raw: it keeps
// formatting codes and encoded item references until Format runs.
type Result struct {
	Rule   string
	Class  Class
	Type   MessageType
	Header string
	Text   string
	Effect Effect
}

// Rules is an ordered rule table; earlier rules win.
type Rules []Rule

// Classify returns the result of the first rule matching raw.
func (rs Rules) Classify(class Class, raw string) (Result, bool) {
	for _, rule := range rs {
		caps, ok := rule.Match(raw)
		if !ok {
			continue
		}

		res := Result{
			Rule:   rule.Name,
			Class:  class,
			Type:   rule.Type,
			Header: rule.Header,
			Text:   caps["content"],
		}
		if res.Header == "" {
			res.Header = caps["header"]
		}
		if rule.Text != nil {
			res.Text = rule.Text(caps)
		}
		if rule.Effect != nil {
			res.Effect = rule.Effect(caps)
		}
		return res, true
	}
	return Result{}, false
}

// Classify evaluates raw against the table for class.
func Classify(class Class, raw string) (Result, bool) {
	return For(class).Classify(class, raw)
}

// For returns the rule table for class.
func For(class Class) Rules {
	if class == Management {
		return ManagementRules
	}
	return GeneralRules
}

var formatCode = regexp.MustCompile(`§.`)

// StripFormatting removes in-game color and style escapes.
func StripFormatting(text string) string {
	if !strings.Contains(text, "§") {
		return text
	}
	return formatCode.ReplaceAllString(text, "")
}

// Format strips formatting codes from text and renders embedded item
// references; general chat emphasises item names, management chat does not.
func Format(class Class, text string, items itemcode.Decoder) string {
	text = StripFormatting(text)

	render := itemcode.Plain
	if class == General {
		render = itemcode.Emphasized
	}
	return itemcode.Replace(text, items, render)
}
