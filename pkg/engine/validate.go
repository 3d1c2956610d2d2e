package engine

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strconv"
	"strings"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

var validResourceTypes = map[domain.ResourceType]bool{
	domain.ResourceMainFrame:      true,
	domain.ResourceSubFrame:       true,
	domain.ResourceXMLHTTPRequest: true,
	domain.ResourcePing:           true,
	domain.ResourceImage:          true,
	domain.ResourceOther:          true,
	"stylesheet":                  true,
	"script":                      true,
	"font":                        true,
	"object":                      true,
	"media":                       true,
	"websocket":                   true,
	"csp_report":                  true,
	"webtransport":                true,
	"webbundle":                   true,
}

var substitutionGroup = regexp.MustCompile(`\\(\d)`)

// installedRule is a validated rule together with its compiled pattern.
type installedRule struct {
	rule domain.Rule
	expr *regexp.Regexp
	// url is the compiled form of a non wildcard urlFilter.
	url *regexp.Regexp
}

// validateRule checks one rule and compiles its regex filter.
func validateRule(r domain.Rule, maxProgramSize int) (installedRule, error) {
	fail := func(format string, args ...any) (installedRule, error) {
		return installedRule{}, &RuleError{RuleID: r.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if r.ID < 1 {
		return fail("the rule id must be positive")
	}
	if r.Priority < 1 {
		return fail("the rule priority must be positive")
	}

	cond := r.Condition
	if cond.RegexFilter != "" && cond.URLFilter != "" {
		return fail("the rule cannot specify both 'urlFilter' and 'regexFilter'")
	}
	for _, rt := range cond.ResourceTypes {
		if !validResourceTypes[rt] {
			return fail("unknown resource type %q", rt)
		}
	}

	var expr *regexp.Regexp
	if cond.RegexFilter != "" {
		var err error
		expr, err = compileFilter(cond.RegexFilter, maxProgramSize)
		if err != nil {
			return fail("%v", err)
		}
	}

	var urlExpr *regexp.Regexp
	if cond.URLFilter != "" && cond.URLFilter != domain.MatchAllURLFilter {
		var err error
		urlExpr, err = compileURLFilter(cond.URLFilter)
		if err != nil {
			return fail("%v", err)
		}
	}

	switch r.Action.Type {
	case domain.ActionAllow, domain.ActionBlock:
	case domain.ActionRedirect:
		if err := validateRedirect(r.Action.Redirect, expr); err != nil {
			return fail("%v", err)
		}
	default:
		return fail("unknown action type %q", r.Action.Type)
	}

	return installedRule{rule: r, expr: expr, url: urlExpr}, nil
}

// compileFilter compiles a regex filter and enforces the program size limit
// that stands in for the engine's compiled memory limit.
func compileFilter(filter string, maxProgramSize int) (*regexp.Regexp, error) {
	re, err := syntax.Parse(filter, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("the rule specifies an invalid 'regexFilter': %w", err)
	}
	if maxProgramSize > 0 {
		prog, err := syntax.Compile(re.Simplify())
		if err != nil {
			return nil, fmt.Errorf("the rule specifies an invalid 'regexFilter': %w", err)
		}
		if len(prog.Inst) > maxProgramSize {
			return nil, fmt.Errorf("the rule's 'regexFilter' exceeds the memory limit")
		}
	}
	return regexp.Compile(filter)
}

func validateRedirect(rd *domain.Redirect, expr *regexp.Regexp) error {
	if rd == nil {
		return fmt.Errorf("a redirect rule must specify a 'redirect' key")
	}
	hasSubstitution := rd.RegexSubstitution != ""
	hasTransform := rd.Transform != nil
	if hasSubstitution == hasTransform {
		return fmt.Errorf("the redirect must specify exactly one of 'regexSubstitution' and 'transform'")
	}
	if hasTransform {
		qt := rd.Transform.QueryTransform
		if qt == nil || len(qt.RemoveParams) == 0 {
			return fmt.Errorf("the 'transform' key specifies no query parameters to remove")
		}
		return nil
	}
	if expr == nil {
		return fmt.Errorf("'regexSubstitution' requires a 'regexFilter'")
	}
	for _, m := range substitutionGroup.FindAllStringSubmatch(rd.RegexSubstitution, -1) {
		group, _ := strconv.Atoi(m[1])
		if group > expr.NumSubexp() {
			return fmt.Errorf("the rule specifies an incorrect value for the 'regexSubstitution' key")
		}
	}
	return nil
}

// compileURLFilter translates the url filter syntax into a case-insensitive
// regexp. Supported tokens: '*' wildcard, '^' separator, leading '||' domain
// anchor, leading and trailing '|' anchors.
func compileURLFilter(filter string) (*regexp.Regexp, error) {
	if !isASCII(filter) {
		return nil, fmt.Errorf("the rule specifies a non-ascii 'urlFilter'")
	}
	var b strings.Builder
	b.WriteString("(?i)")
	rest := filter
	switch {
	case strings.HasPrefix(rest, "||"):
		b.WriteString(`^[a-z][a-z0-9+.-]*://([^/?#]*\.)?`)
		rest = rest[2:]
	case strings.HasPrefix(rest, "|"):
		b.WriteString("^")
		rest = rest[1:]
	}
	anchorEnd := strings.HasSuffix(rest, "|")
	if anchorEnd {
		rest = rest[:len(rest)-1]
	}
	if strings.Contains(rest, "|") {
		return nil, fmt.Errorf("the rule specifies an invalid 'urlFilter'")
	}
	for _, c := range rest {
		switch c {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(`(?:[^a-z0-9_.%-]|$)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if anchorEnd {
		b.WriteString("$")
	}
	return regexp.Compile(b.String())
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
