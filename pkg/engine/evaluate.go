package engine

import (
	"net/url"
	"strings"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// Decision is the outcome of matching one request against the installed rules.
type Decision struct {
	// Matched is false when no rule applies; URL is then the input.
	Matched bool
	RuleID  int
	Action  domain.ActionType
	URL     string
	// Changed reports whether URL differs from the request URL.
	Changed bool
}

// actionRank orders actions that tie on priority.
var actionRank = map[domain.ActionType]int{
	domain.ActionAllow:    3,
	domain.ActionBlock:    2,
	domain.ActionRedirect: 1,
}

// Evaluate picks the winning rule for a request and applies its action. The
// highest priority wins; at equal priority allow beats block beats redirect,
// then the lowest id.
func (m *MemoryEngine) Evaluate(rawURL string, resourceType domain.ResourceType) Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *installedRule
	for id := range m.rules {
		r := m.rules[id]
		if !r.matches(rawURL, resourceType) {
			continue
		}
		if best == nil || outranks(r.rule, best.rule) {
			best = &r
		}
	}

	if best == nil {
		return Decision{URL: rawURL}
	}

	d := Decision{
		Matched: true,
		RuleID:  best.rule.ID,
		Action:  best.rule.Action.Type,
		URL:     rawURL,
	}
	if best.rule.Action.Type == domain.ActionRedirect {
		d.URL = best.redirect(rawURL)
		d.Changed = d.URL != rawURL
	}
	return d
}

func outranks(a, b domain.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if ra, rb := actionRank[a.Action.Type], actionRank[b.Action.Type]; ra != rb {
		return ra > rb
	}
	return a.ID < b.ID
}

func (r installedRule) matches(rawURL string, resourceType domain.ResourceType) bool {
	types := r.rule.Condition.ResourceTypes
	if len(types) == 0 {
		// An unscoped rule applies to everything except top-level navigation.
		if resourceType == domain.ResourceMainFrame {
			return false
		}
	} else if !containsType(types, resourceType) {
		return false
	}

	switch {
	case r.expr != nil:
		return r.expr.MatchString(rawURL)
	case r.url != nil:
		return r.url.MatchString(rawURL)
	default:
		return true
	}
}

func containsType(types []domain.ResourceType, t domain.ResourceType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func (r installedRule) redirect(rawURL string) string {
	rd := r.rule.Action.Redirect
	if rd == nil {
		return rawURL
	}
	if rd.RegexSubstitution != "" {
		return r.substitute(rawURL, rd.RegexSubstitution)
	}
	return removeQueryParams(rawURL, r.rule.Action.RemoveParams())
}

// substitute replaces the first match of the regex filter with template, where
// \0..\9 insert capture groups and \\ inserts a backslash.
func (r installedRule) substitute(rawURL, template string) string {
	loc := r.expr.FindStringSubmatchIndex(rawURL)
	if loc == nil {
		return rawURL
	}

	var b strings.Builder
	b.WriteString(rawURL[:loc[0]])
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '\\' || i+1 == len(template) {
			b.WriteByte(c)
			continue
		}
		next := template[i+1]
		switch {
		case next >= '0' && next <= '9':
			g := int(next - '0')
			if 2*g+1 < len(loc) && loc[2*g] >= 0 {
				b.WriteString(rawURL[loc[2*g]:loc[2*g+1]])
			}
			i++
		case next == '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString(rawURL[loc[1]:])

	return b.String()
}

// removeQueryParams drops query parameters whose decoded name is in params,
// keeping the remaining pairs in their original encoding and order.
func removeQueryParams(rawURL string, params []string) string {
	if len(params) == 0 {
		return rawURL
	}
	base, fragment, hasFragment := strings.Cut(rawURL, "#")
	path, query, hasQuery := strings.Cut(base, "?")
	if !hasQuery || query == "" {
		return rawURL
	}

	drop := make(map[string]bool, len(params))
	for _, p := range params {
		drop[p] = true
	}

	pairs := strings.Split(query, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		if name, err := url.QueryUnescape(key); err == nil {
			key = name
		}
		if drop[key] {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == len(pairs) {
		return rawURL
	}

	out := path
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	if hasFragment {
		out += "#" + fragment
	}
	return out
}
