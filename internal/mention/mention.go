// Package mention resolves @target tokens in a message body against
// the roster. Targets may be exact instance names, name prefixes, tag
// groups ("@api-" or a bare tag name), or cross-device composite keys
// ("@name:SHRT").
package mention

import (
	"strings"

	"github.com/hcom-sh/hcom/internal/store"
)

// Result is the outcome of routing one message body.
type Result struct {
	// Recipients is the deduplicated set of roster names to deliver to.
	Recipients map[string]bool
	// Mentions is the same resolution in first-seen order; it is
	// stored with the event and never recomputed.
	Mentions []string
}

// Route parses the leading @tokens of text and resolves each against
// the roster. Self-mentions and unknown tokens are dropped silently; a
// message with no resolvable target is still a valid (audit-only)
// record. Routing depends only on text and the roster at call time.
func Route(text, sender string, roster []store.Instance) Result {
	res := Result{Recipients: make(map[string]bool), Mentions: []string{}}

	for _, token := range leadingTokens(text) {
		for _, name := range resolve(token, roster) {
			if name == sender {
				continue
			}
			if !res.Recipients[name] {
				res.Recipients[name] = true
				res.Mentions = append(res.Mentions, name)
			}
		}
	}
	return res
}

// leadingTokens returns the run of whitespace-delimited @tokens at the
// start of text, with the @ stripped.
func leadingTokens(text string) []string {
	var tokens []string
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			break
		}
		tokens = append(tokens, field[1:])
	}
	return tokens
}

// resolve maps one token to zero or more roster names.
// Precedence: trailing-dash tag form, exact name (a name always beats
// a tag of the same spelling), bare tag, composite remote key, then
// name prefix. Prefix matches are suppressed when the next character
// is an underscore so "@luna" cannot accidentally route to a subagent
// row like "luna_researcher".
func resolve(token string, roster []store.Instance) []string {
	if tag, ok := strings.CutSuffix(token, "-"); ok && tag != "" {
		return tagMembers(tag, roster)
	}

	for _, inst := range roster {
		if inst.Name == token {
			return []string{inst.Name}
		}
	}

	if members := tagMembers(token, roster); len(members) > 0 {
		return members
	}

	if name, short, ok := strings.Cut(token, ":"); ok {
		composite := name + ":" + strings.ToUpper(short)
		for _, inst := range roster {
			if inst.Name == composite {
				return []string{inst.Name}
			}
		}
		return nil
	}

	var matches []string
	for _, inst := range roster {
		rest, ok := strings.CutPrefix(inst.Name, token)
		if !ok || rest == "" {
			continue
		}
		if rest[0] == '_' {
			continue
		}
		matches = append(matches, inst.Name)
	}
	return matches
}

func tagMembers(tag string, roster []store.Instance) []string {
	var members []string
	for _, inst := range roster {
		if inst.Tag == tag {
			members = append(members, inst.Name)
		}
	}
	return members
}
