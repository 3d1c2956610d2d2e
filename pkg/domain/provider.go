package domain

// Provider is a named source's set of URL cleaning instructions.
type Provider struct {
	Name string `json:"-" yaml:"-"`

	// Exceptions match requests that must be let through untouched.
	Exceptions []string `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
	// Redirections match requests whose first capture group is the real target.
	Redirections []string `json:"redirections,omitempty" yaml:"redirections,omitempty"`
	// Rules name the query parameters to strip, optionally anchored with ^ and $.
	Rules []string `json:"rules,omitempty" yaml:"rules,omitempty"`
	// URLPattern scopes the parameter removal to matching URLs.
	URLPattern string `json:"urlPattern,omitempty" yaml:"urlPattern,omitempty"`

	// The remaining attributes are carried so a database round-trips, but the
	// compiler does not translate them.
	CompleteProvider  bool     `json:"completeProvider,omitempty" yaml:"completeProvider,omitempty"`
	ForceRedirection  bool     `json:"forceRedirection,omitempty" yaml:"forceRedirection,omitempty"`
	ReferralMarketing []string `json:"referralMarketing,omitempty" yaml:"referralMarketing,omitempty"`
	RawRules          []string `json:"rawRules,omitempty" yaml:"rawRules,omitempty"`
}

// ProviderDatabase maps provider names to providers while keeping the order in
// which they were declared. Order decides rule id assignment and which
// providers are cut first once the rule budget is spent.
type ProviderDatabase struct {
	providers []Provider
	index     map[string]int
}

// NewProviderDatabase builds a database from providers in the given order.
func NewProviderDatabase(providers ...Provider) *ProviderDatabase {
	db := &ProviderDatabase{}
	for _, p := range providers {
		db.Put(p)
	}
	return db
}

// Put adds or replaces a provider. A replaced provider keeps its original
// position.
func (db *ProviderDatabase) Put(p Provider) {
	if db.index == nil {
		db.index = make(map[string]int)
	}
	if i, ok := db.index[p.Name]; ok {
		db.providers[i] = p
		return
	}
	db.index[p.Name] = len(db.providers)
	db.providers = append(db.providers, p)
}

// Get returns the provider registered under name.
func (db *ProviderDatabase) Get(name string) (Provider, error) {
	if db == nil {
		return Provider{}, ErrProviderNotFound
	}
	i, ok := db.index[name]
	if !ok {
		return Provider{}, ErrProviderNotFound
	}
	return db.providers[i], nil
}

// Len returns the number of providers.
func (db *ProviderDatabase) Len() int {
	if db == nil {
		return 0
	}
	return len(db.providers)
}

// Providers returns the providers in declaration order. The slice is a copy.
func (db *ProviderDatabase) Providers() []Provider {
	if db == nil {
		return nil
	}
	out := make([]Provider, len(db.providers))
	copy(out, db.providers)
	return out
}

// Names returns provider names in declaration order.
func (db *ProviderDatabase) Names() []string {
	if db == nil {
		return nil
	}
	names := make([]string, len(db.providers))
	for i, p := range db.providers {
		names[i] = p.Name
	}
	return names
}
