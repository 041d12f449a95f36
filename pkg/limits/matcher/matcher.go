// Package matcher selects the budgets that apply to a call.
//
// A budget's match block compiles to a conjunction of typed filters. Empty
// lists contribute no filter, so a budget with an empty match block applies
// to every call that carries its scope attribute.
package matcher

import (
	"path"
	"slices"
	"sort"
	"strings"

	"mercator-hq/costguard/pkg/policy"
)

// Attributes are the call properties budgets are matched on.
type Attributes struct {
	Model    string
	Identity string
	Session  string
	Tags     []string
}

// HasTag reports whether the call carries tag.
func (a Attributes) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// Filter accepts or rejects a call.
type Filter interface {
	Accept(a Attributes) bool
}

// ModelFilter accepts calls whose model matches any of the glob patterns.
type ModelFilter struct {
	Patterns []string
}

// Accept implements Filter.
func (f ModelFilter) Accept(a Attributes) bool {
	for _, p := range f.Patterns {
		// Patterns are validated at load, so a match error means no match.
		if ok, err := path.Match(p, a.Model); err == nil && ok {
			return true
		}
	}
	return false
}

// TagFilter accepts calls carrying any of the tags.
type TagFilter struct {
	Tags []string
}

// Accept implements Filter.
func (f TagFilter) Accept(a Attributes) bool {
	for _, t := range a.Tags {
		if f.allows(t) {
			return true
		}
	}
	return false
}

func (f TagFilter) allows(tag string) bool {
	return slices.Contains(f.Tags, tag)
}

// IdentityFilter accepts calls from any of the identities.
type IdentityFilter struct {
	Identities []string
}

// Accept implements Filter.
func (f IdentityFilter) Accept(a Attributes) bool {
	return slices.Contains(f.Identities, a.Identity)
}

// All is the conjunction of its filters. An empty All accepts everything.
type All []Filter

// Accept implements Filter.
func (fs All) Accept(a Attributes) bool {
	for _, f := range fs {
		if !f.Accept(a) {
			return false
		}
	}
	return true
}

// Compile builds the filter for a match block.
func Compile(m policy.Match) All {
	var fs All
	if len(m.Models) > 0 {
		fs = append(fs, ModelFilter{Patterns: m.Models})
	}
	if len(m.Tags) > 0 {
		fs = append(fs, TagFilter{Tags: m.Tags})
	}
	if len(m.Identities) > 0 {
		fs = append(fs, IdentityFilter{Identities: m.Identities})
	}
	return fs
}

// InScope reports whether the call carries the attribute scope tracks.
func InScope(scope policy.Scope, a Attributes) bool {
	switch scope {
	case policy.ScopeGlobal:
		return true
	case policy.ScopeIdentity:
		return a.Identity != ""
	case policy.ScopeSession:
		return a.Session != ""
	case policy.ScopeTag:
		return len(a.Tags) > 0
	default:
		return false
	}
}

// Applies reports whether spec applies to the call.
func Applies(spec *policy.BudgetSpec, a Attributes) bool {
	if !InScope(spec.Scope, a) {
		return false
	}
	if !Compile(spec.Match).Accept(a) {
		return false
	}
	// A tag-scoped budget needs a tag to key on.
	if spec.Scope == policy.ScopeTag {
		_, ok := scopeTag(spec, a)
		return ok
	}
	return true
}

// Match returns the specs that apply to the call, most specific scope first
// (session, identity, tag, global). Specs of equal scope keep input order.
func Match(a Attributes, specs []policy.BudgetSpec) []*policy.BudgetSpec {
	var matched []*policy.BudgetSpec
	for i := range specs {
		if Applies(&specs[i], a) {
			matched = append(matched, &specs[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Scope.Specificity() < matched[j].Scope.Specificity()
	})
	return matched
}

// ScopeKey identifies the ledger bucket a call uses for spec.
// The key combines the budget ID, the scope, and the scope value, so two
// budgets never share a bucket.
func ScopeKey(spec *policy.BudgetSpec, a Attributes) string {
	value, _ := ScopeValue(spec.Scope, spec.Match, a)
	return Key(spec.ID, spec.Scope, value)
}

// ScopeValue returns the call attribute value scope is keyed by. For tag
// scope this is the first tag, in sorted order, accepted by the match
// block's tag filter (any tag when the block lists none).
func ScopeValue(scope policy.Scope, m policy.Match, a Attributes) (string, bool) {
	switch scope {
	case policy.ScopeGlobal:
		return "", true
	case policy.ScopeIdentity:
		return a.Identity, a.Identity != ""
	case policy.ScopeSession:
		return a.Session, a.Session != ""
	case policy.ScopeTag:
		return firstTag(TagFilter{Tags: m.Tags}, a.Tags)
	default:
		return "", false
	}
}

// Key joins an owner ID, a scope, and a scope value into a bucket or stage key.
func Key(id string, scope policy.Scope, value string) string {
	var sb strings.Builder
	sb.Grow(len(id) + len(value) + 10)
	sb.WriteString(id)
	sb.WriteByte('|')
	sb.WriteString(scope.String())
	sb.WriteByte('|')
	sb.WriteString(value)
	return sb.String()
}

func scopeTag(spec *policy.BudgetSpec, a Attributes) (string, bool) {
	return firstTag(TagFilter{Tags: spec.Match.Tags}, a.Tags)
}

func firstTag(f TagFilter, tags []string) (string, bool) {
	sorted := slices.Clone(tags)
	slices.Sort(sorted)
	for _, t := range sorted {
		if t == "" {
			continue
		}
		if len(f.Tags) == 0 || f.allows(t) {
			return t, true
		}
	}
	return "", false
}
