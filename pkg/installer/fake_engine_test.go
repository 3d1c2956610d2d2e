package installer

import (
	"context"
	"slices"
	"sync"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// fakeEngine records every update and answers with respond.
type fakeEngine struct {
	mu          sync.Mutex
	installed   []domain.Rule
	updates     []domain.RuleUpdate
	inflight    int
	maxInflight int

	// respond decides the outcome of the n-th call (1-based). Nil accepts.
	respond func(ctx context.Context, call int, u domain.RuleUpdate) error
}

func (f *fakeEngine) UpdateDynamicRules(ctx context.Context, u domain.RuleUpdate) error {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	call := len(f.updates)
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	respond := f.respond
	f.mu.Unlock()

	var err error
	if respond != nil {
		err = respond(ctx, call, u)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if err != nil {
		return err
	}
	f.installed = slices.DeleteFunc(f.installed, func(r domain.Rule) bool {
		return slices.Contains(u.RemoveRuleIDs, r.ID)
	})
	f.installed = append(f.installed, u.AddRules...)
	return nil
}

func (f *fakeEngine) DynamicRules(_ context.Context) ([]domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.installed), nil
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeEngine) update(i int) domain.RuleUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[i]
}

func rulesWithIDs(ids ...int) []domain.Rule {
	rules := make([]domain.Rule, len(ids))
	for i, id := range ids {
		rules[i] = domain.Rule{
			ID:        id,
			Priority:  domain.PriorityException,
			Action:    domain.AllowAction(),
			Condition: domain.Condition{RegexFilter: "x", ResourceTypes: domain.AllowResourceTypes()},
		}
	}
	return rules
}

func idRange(from, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}
