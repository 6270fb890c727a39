package rules

import (
	"path"
	"sort"
)

// Query describes one rate-limit lookup.
type Query struct {
	ContextType   ContextType
	Endpoint      string
	RiskLevel     RiskLevel
	BalanceStatus BalanceStatus
}

// Resolve returns the single rule that applies to the query, or (nil, false)
// when no active rule matches (default-allow).
//
// Selection is deterministic: highest priority wins; among equal priorities
// the most specific scope wins (endpoint pattern > risk level > balance
// status), then the most recently updated rule, then the lowest ID. If the
// winning rule is itself unusable (zero window or zero budget), resolution
// falls back to the most restrictive matching rule rather than allowing the
// request through a broken configuration.
func (rs *Ruleset) Resolve(q Query) (*RateLimitRule, bool) {
	var candidates []*RateLimitRule
	for i := range rs.Limits {
		r := &rs.Limits[i]
		if r.IsActive && ruleMatches(r, q) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		sa, sb := specificity(a), specificity(b)
		if sa != sb {
			return sa > sb
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})

	winner := candidates[0]
	if winner.Valid() {
		return winner, true
	}
	return mostRestrictive(candidates), true
}

func ruleMatches(r *RateLimitRule, q Query) bool {
	if r.ContextType != q.ContextType {
		return false
	}
	if r.RiskLevel != "" && r.RiskLevel != q.RiskLevel {
		return false
	}
	if r.BalanceStatus != BalanceAny && r.BalanceStatus != q.BalanceStatus {
		return false
	}
	if r.EndpointPattern != "" {
		matched, err := path.Match(r.EndpointPattern, q.Endpoint)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// specificity weights scope qualifiers so that a narrower rule beats a
// broader one at equal priority. Endpoint pattern is the narrowest
// qualifier, then risk level, then balance status.
func specificity(r *RateLimitRule) int {
	s := 0
	if r.EndpointPattern != "" {
		s += 4
	}
	if r.RiskLevel != "" {
		s += 2
	}
	if r.BalanceStatus != BalanceAny {
		s += 1
	}
	return s
}

// mostRestrictive picks the fail-safe fallback among matching rules: the
// valid rule with the harshest action, breaking ties by the lowest allowed
// request rate. If no matching rule is valid at all, a deny-everything
// sentinel is returned so a broken configuration never fails open.
func mostRestrictive(candidates []*RateLimitRule) *RateLimitRule {
	var best *RateLimitRule
	for _, r := range candidates {
		if !r.Valid() {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.Action.restrictiveness() != best.Action.restrictiveness() {
			if r.Action.restrictiveness() > best.Action.restrictiveness() {
				best = r
			}
			continue
		}
		if r.RefillRate() < best.RefillRate() {
			best = r
		}
	}
	if best != nil {
		return best
	}
	return &RateLimitRule{
		ID:            "fail-safe",
		Name:          "misconfiguration fallback",
		ContextType:   candidates[0].ContextType,
		MaxRequests:   0,
		WindowSeconds: 60,
		Algorithm:     AlgoTokenBucket,
		Action:        LimitBlock,
		IsActive:      true,
	}
}
