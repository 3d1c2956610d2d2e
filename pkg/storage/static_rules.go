package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// LoadStaticRules reads the bundled static rule file, a JSON (or YAML) array
// of rules whose ids all fall in the static band.
func LoadStaticRules(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static rules: %w", err)
	}
	return ParseStaticRules(data)
}

// ParseStaticRules decodes and checks a static rule file.
func ParseStaticRules(data []byte) ([]domain.Rule, error) {
	var rules []domain.Rule
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &rules)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStaticRules, err)
		}
	} else if err := yaml.Unmarshal(trimmed, &rules); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStaticRules, err)
	}

	seen := make(map[int]bool, len(rules))
	for _, r := range rules {
		if !domain.IsStatic(r.ID) {
			return nil, fmt.Errorf("%w: rule %d: %w", ErrInvalidStaticRules, r.ID, domain.ErrRuleIDOutOfBand)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %d", ErrInvalidStaticRules, r.ID)
		}
		seen[r.ID] = true
	}
	if rules == nil {
		rules = []domain.Rule{}
	}
	return rules, nil
}
