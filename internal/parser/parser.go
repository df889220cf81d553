// Package parser extracts XML-style action tags from assistant output.
//
// Actions look like <name>payload</name> where name comes from a closed
// whitelist. Anything else (HTML, unknown tags, angle brackets in prose) is
// left untouched. Parsing is deterministic and never fails the whole text:
// malformed openers are reported as structured errors and scanning continues.
package parser

import (
	"fmt"
	"strings"
)

// Action is one parsed action directive, in order of appearance.
type Action struct {
	Name    string
	Payload string            // raw payload between the tags
	Args    map[string]string // parsed key:value segments; nil for plain payloads
	RawSpan string            // the full <name>...</name> source text
	Offset  int               // byte offset of the opener in the input
}

// ParseError reports a malformed action tag. Parsing continues past it.
type ParseError struct {
	Name   string
	Offset int
	Msg    string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("action parse error at %d: <%s>: %s", e.Offset, e.Name, e.Msg)
}

// Result is the outcome of parsing one assistant text.
type Result struct {
	Actions []Action
	Errors  []ParseError
}

// Parser parses action tags against a closed whitelist.
type Parser struct {
	whitelist    map[string]bool
	insideFences bool // legacy: treat tags inside fenced code blocks as actions
}

// Option configures a Parser.
type Option func(*Parser)

// WithLegacyFencedActions restores the historical behaviour of treating tags
// inside ``` fences as real actions. Off by default: fenced tags are treated
// as code the model is quoting, not directives.
func WithLegacyFencedActions() Option {
	return func(p *Parser) { p.insideFences = true }
}

// New creates a parser for the given action-name whitelist.
func New(names []string, opts ...Option) *Parser {
	p := &Parser{whitelist: make(map[string]bool, len(names))}
	for _, n := range names {
		p.whitelist[n] = true
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse scans text and returns actions in order of appearance.
func (p *Parser) Parse(text string) Result {
	var res Result

	fences := fenceRanges(text)
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '<')
		if open < 0 {
			break
		}
		open += pos

		name, payloadStart, ok := readOpener(text, open)
		if !ok || !p.whitelist[name] {
			pos = open + 1
			continue
		}

		if !p.insideFences && insideAny(fences, open) {
			pos = open + 1
			continue
		}

		closer := "</" + name + ">"
		end := strings.Index(text[payloadStart:], closer)
		if end < 0 {
			res.Errors = append(res.Errors, ParseError{
				Name:   name,
				Offset: open,
				Msg:    "missing closing tag",
			})
			pos = payloadStart
			continue
		}
		end += payloadStart

		payload := text[payloadStart:end]
		res.Actions = append(res.Actions, Action{
			Name:    name,
			Payload: payload,
			Args:    parseArgs(payload),
			RawSpan: text[open : end+len(closer)],
			Offset:  open,
		})
		pos = end + len(closer)
	}

	return res
}

// readOpener parses "<name>" at offset i. Tags with attributes, slashes, or
// non-identifier characters are not actions.
func readOpener(text string, i int) (name string, payloadStart int, ok bool) {
	j := i + 1
	for j < len(text) {
		c := text[j]
		if c == '>' {
			break
		}
		if !isNameChar(c) {
			return "", 0, false
		}
		j++
	}
	if j >= len(text) || j == i+1 {
		return "", 0, false
	}
	return text[i+1 : j], j + 1, true
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_'
}

// parseArgs splits "key1:value1|key2:value2" payloads into a map. Returns nil
// when the payload is not in key:value form; callers then use the raw payload.
func parseArgs(payload string) map[string]string {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || strings.ContainsAny(trimmed, "\n") {
		return nil
	}

	segments := strings.Split(trimmed, "|")
	args := make(map[string]string, len(segments))
	for _, seg := range segments {
		key, value, found := strings.Cut(seg, ":")
		if !found || !isIdentifier(strings.TrimSpace(key)) {
			return nil
		}
		// "scheme://..." payloads are URLs, not key:value pairs.
		if strings.HasPrefix(value, "//") {
			return nil
		}
		args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return args
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
		if i == 0 && c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}

type span struct{ start, end int }

// fenceRanges returns the byte ranges covered by ``` fenced code blocks.
// An unclosed fence extends to the end of the text.
func fenceRanges(text string) []span {
	var spans []span
	pos := 0
	for {
		open := strings.Index(text[pos:], "```")
		if open < 0 {
			return spans
		}
		open += pos
		close := strings.Index(text[open+3:], "```")
		if close < 0 {
			return append(spans, span{open, len(text)})
		}
		close += open + 3 + 3
		spans = append(spans, span{open, close})
		pos = close
	}
}

func insideAny(spans []span, i int) bool {
	for _, s := range spans {
		if i >= s.start && i < s.end {
			return true
		}
	}
	return false
}
