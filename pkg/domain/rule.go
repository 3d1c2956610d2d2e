package domain

// Rule id bands. Ids 1..999 belong to the statically shipped rule file; the
// compiler only ever assigns ids from DynamicRuleIDBase upwards.
const (
	StaticRuleIDMin     = 1
	StaticRuleIDMax     = 999
	DynamicRuleIDBase   = 1000
	DefaultRuleBudget   = 5000
	MaxPatternLength    = 1024
	CaptureSubstitution = `\1`
	MatchAllURLFilter   = "*"
)

// Priority tiers. A higher value wins when several rules match a request.
const (
	PriorityException Priority = 100
	PriorityRedirect  Priority = 50
	PriorityStrip     Priority = 10
)

// Priority orders competing rules.
type Priority int

// Valid reports whether p is one of the compiled tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityException, PriorityRedirect, PriorityStrip:
		return true
	default:
		return false
	}
}

// ActionType names what the engine does with a matching request.
type ActionType string

// Action types understood by the filter engine.
const (
	ActionAllow    ActionType = "allow"
	ActionRedirect ActionType = "redirect"
	ActionBlock    ActionType = "block"
)

// ResourceType is the kind of request a condition applies to.
type ResourceType string

// Resource types used by compiled rules.
const (
	ResourceMainFrame      ResourceType = "main_frame"
	ResourceSubFrame       ResourceType = "sub_frame"
	ResourceXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourcePing           ResourceType = "ping"
	ResourceImage          ResourceType = "image"
	ResourceOther          ResourceType = "other"
)

// AllowResourceTypes is the scope of exception and parameter removal rules.
func AllowResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceMainFrame,
		ResourceSubFrame,
		ResourceXMLHTTPRequest,
		ResourcePing,
		ResourceImage,
		ResourceOther,
	}
}

// RedirectResourceTypes is the scope of redirection rules.
func RedirectResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceMainFrame,
		ResourceSubFrame,
		ResourceXMLHTTPRequest,
	}
}

// Rule is one declarative filter-engine rule. Its JSON form is exactly the
// object the engine accepts.
type Rule struct {
	ID        int       `json:"id" yaml:"id"`
	Priority  Priority  `json:"priority" yaml:"priority"`
	Action    Action    `json:"action" yaml:"action"`
	Condition Condition `json:"condition" yaml:"condition"`
}

// Action is a tagged variant over allow, capture redirects and query
// parameter stripping.
type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Redirect *Redirect  `json:"redirect,omitempty" yaml:"redirect,omitempty"`
}

// Redirect describes how a redirect action rewrites the request URL.
type Redirect struct {
	RegexSubstitution string        `json:"regexSubstitution,omitempty" yaml:"regexSubstitution,omitempty"`
	Transform         *URLTransform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// URLTransform modifies parts of the request URL.
type URLTransform struct {
	QueryTransform *QueryTransform `json:"queryTransform,omitempty" yaml:"queryTransform,omitempty"`
}

// QueryTransform removes query parameters by literal name.
type QueryTransform struct {
	RemoveParams []string `json:"removeParams" yaml:"removeParams"`
}

// Condition selects the requests a rule applies to. Exactly one of
// RegexFilter and URLFilter is set.
type Condition struct {
	RegexFilter   string         `json:"regexFilter,omitempty" yaml:"regexFilter,omitempty"`
	URLFilter     string         `json:"urlFilter,omitempty" yaml:"urlFilter,omitempty"`
	ResourceTypes []ResourceType `json:"resourceTypes,omitempty" yaml:"resourceTypes,omitempty"`
}

// AllowAction lets a request through, overriding lower priority rules.
func AllowAction() Action {
	return Action{Type: ActionAllow}
}

// RedirectToCaptureAction rewrites the request to the first capture group.
func RedirectToCaptureAction() Action {
	return Action{
		Type:     ActionRedirect,
		Redirect: &Redirect{RegexSubstitution: CaptureSubstitution},
	}
}

// StripParamsAction removes the named query parameters.
func StripParamsAction(params []string) Action {
	return Action{
		Type: ActionRedirect,
		Redirect: &Redirect{
			Transform: &URLTransform{
				QueryTransform: &QueryTransform{RemoveParams: params},
			},
		},
	}
}

// RemoveParams returns the parameters a strip action removes, or nil.
func (a Action) RemoveParams() []string {
	if a.Redirect == nil || a.Redirect.Transform == nil || a.Redirect.Transform.QueryTransform == nil {
		return nil
	}
	return a.Redirect.Transform.QueryTransform.RemoveParams
}

// IsDynamic reports whether the id belongs to the compiled namespace.
func IsDynamic(id int) bool {
	return id >= DynamicRuleIDBase
}

// IsStatic reports whether the id belongs to the reserved static band.
func IsStatic(id int) bool {
	return id >= StaticRuleIDMin && id <= StaticRuleIDMax
}

// RuleIDs returns the ids of rules in order.
func RuleIDs(rules []Rule) []int {
	ids := make([]int, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
