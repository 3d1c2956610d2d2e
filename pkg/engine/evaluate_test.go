package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

func newLoadedEngine(t *testing.T, rules ...domain.Rule) *MemoryEngine {
	t.Helper()
	e := NewMemoryEngine(DefaultOptions())
	require.NoError(t, e.UpdateDynamicRules(context.Background(), domain.RuleUpdate{AddRules: rules}))
	return e
}

func TestEvaluate(t *testing.T) {
	e := newLoadedEngine(t,
		allowRule(1000, `^https?://accounts\.example\.com/`),
		redirectRule(1001, `^https?://out\.example\.com/r\?u=(https?://[^&]+)`),
		stripRule(1002, `^https?://([a-z0-9-]+\.)*example\.com`, "utm_source", "fbclid"),
		stripRule(1003, "", "gclid"),
	)

	tests := []struct {
		name     string
		url      string
		rt       domain.ResourceType
		matched  bool
		ruleID   int
		action   domain.ActionType
		expected string
	}{
		{
			name:     "exception wins over strip",
			url:      "https://accounts.example.com/login?utm_source=x",
			rt:       domain.ResourceMainFrame,
			matched:  true,
			ruleID:   1000,
			action:   domain.ActionAllow,
			expected: "https://accounts.example.com/login?utm_source=x",
		},
		{
			name:     "redirect to captured target",
			url:      "https://out.example.com/r?u=https://target.org/page&sig=1",
			rt:       domain.ResourceMainFrame,
			matched:  true,
			ruleID:   1001,
			action:   domain.ActionRedirect,
			expected: "https://target.org/page&sig=1",
		},
		{
			name:     "provider scoped strip",
			url:      "https://shop.example.com/item?id=7&utm_source=mail&fbclid=abc#top",
			rt:       domain.ResourceXMLHTTPRequest,
			matched:  true,
			ruleID:   1002,
			action:   domain.ActionRedirect,
			expected: "https://shop.example.com/item?id=7#top",
		},
		{
			name:     "global strip removes whole query",
			url:      "https://other.org/?gclid=1",
			rt:       domain.ResourceImage,
			matched:  true,
			ruleID:   1003,
			action:   domain.ActionRedirect,
			expected: "https://other.org/",
		},
		{
			name:     "redirect not scoped to images",
			url:      "https://out.example.com/r?u=https://target.org/",
			rt:       domain.ResourceImage,
			matched:  true,
			ruleID:   1002,
			action:   domain.ActionRedirect,
			expected: "https://out.example.com/r?u=https://target.org/",
		},
		{
			name:     "global strip leaves clean url alone",
			url:      "https://unrelated.net/?q=1",
			rt:       domain.ResourceMainFrame,
			matched:  true,
			ruleID:   1003,
			action:   domain.ActionRedirect,
			expected: "https://unrelated.net/?q=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(tt.url, tt.rt)
			assert.Equal(t, tt.matched, d.Matched)
			assert.Equal(t, tt.expected, d.URL)
			assert.Equal(t, tt.expected != tt.url, d.Changed)
			if tt.matched {
				assert.Equal(t, tt.ruleID, d.RuleID)
				assert.Equal(t, tt.action, d.Action)
			}
		})
	}
}

func TestEvaluate_TieBreaks(t *testing.T) {
	sameTier := domain.Rule{
		ID:        1000,
		Priority:  domain.PriorityStrip,
		Action:    domain.AllowAction(),
		Condition: domain.Condition{URLFilter: "*", ResourceTypes: domain.AllowResourceTypes()},
	}
	e := newLoadedEngine(t, stripRule(1001, "", "a"), sameTier)

	d := e.Evaluate("https://x.org/?a=1", domain.ResourceMainFrame)
	assert.Equal(t, 1000, d.RuleID, "allow beats redirect at equal priority")
	assert.False(t, d.Changed)

	e = newLoadedEngine(t, stripRule(1005, "", "a"), stripRule(1004, "", "b"))
	d = e.Evaluate("https://x.org/?a=1&b=2", domain.ResourceMainFrame)
	assert.Equal(t, 1004, d.RuleID)
	assert.Equal(t, "https://x.org/?a=1", d.URL)
}

func TestEvaluate_NoMatch(t *testing.T) {
	e := newLoadedEngine(t, allowRule(1000, `only\.here`))
	d := e.Evaluate("https://elsewhere.org/", domain.ResourceMainFrame)
	assert.Equal(t, Decision{URL: "https://elsewhere.org/"}, d)
}

func TestEvaluate_UnscopedRuleSkipsMainFrame(t *testing.T) {
	rule := allowRule(1000, "x")
	rule.Condition.ResourceTypes = nil
	e := newLoadedEngine(t, rule)

	assert.False(t, e.Evaluate("https://x.org/", domain.ResourceMainFrame).Matched)
	assert.True(t, e.Evaluate("https://x.org/", domain.ResourceSubFrame).Matched)
}

func TestRemoveQueryParams(t *testing.T) {
	tests := []struct {
		in, out string
		params  []string
	}{
		{"https://a.org/p?x=1&y=2", "https://a.org/p?y=2", []string{"x"}},
		{"https://a.org/p?x=1&x=2&y", "https://a.org/p?y", []string{"x"}},
		{"https://a.org/p?utm%5Fsource=1&k=v", "https://a.org/p?k=v", []string{"utm_source"}},
		{"https://a.org/p?k=v#frag", "https://a.org/p?k=v#frag", []string{"x"}},
		{"https://a.org/p#x=1", "https://a.org/p#x=1", []string{"x"}},
		{"https://a.org/p?x=1#f", "https://a.org/p#f", []string{"x"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, removeQueryParams(tt.in, tt.params), tt.in)
	}
}

func TestURLFilter(t *testing.T) {
	tests := []struct {
		filter string
		url    string
		match  bool
	}{
		{"||example.com^", "https://www.example.com/path", true},
		{"||example.com^", "https://example.com", true},
		{"||example.com^", "https://notexample.com/", false},
		{"|https://a.org", "https://a.org/x", true},
		{"|https://a.org", "http://b.org/?u=https://a.org", false},
		{"/ads/*.gif|", "https://cdn.org/ads/banner.gif", true},
		{"/ads/*.gif|", "https://cdn.org/ads/banner.gif?x", false},
		{"TRACK", "https://a.org/track", true},
	}
	for _, tt := range tests {
		re, err := compileURLFilter(tt.filter)
		require.NoError(t, err, tt.filter)
		assert.Equal(t, tt.match, re.MatchString(tt.url), "%s vs %s", tt.filter, tt.url)
	}
}
