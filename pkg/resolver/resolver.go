// Package resolver defines the project type estimation contract. The tree
// hands a resolver a read-only snapshot of a folder; matchers classify it
// without touching tree state.
package resolver

import (
	"context"
	"path"

	"arbor/pkg/types"
)

// Snapshot is a read-only view of a folder subtree at estimation time.
// Files holds paths relative to the folder root, in lexicographic order.
type Snapshot struct {
	Path  string
	Files []string
	Read  func(rel string) ([]byte, error)
}

// Resolver produces one estimation per known project type.
type Resolver interface {
	Resolve(ctx context.Context, snap Snapshot) ([]types.Estimation, error)
}

// Rule matches a project type by the presence of marker files. All
// patterns must match some file for the rule to fire.
type Rule struct {
	Type       string
	Markers    []string // glob patterns against relative file paths
	Attributes map[string][]string
}

// RuleResolver evaluates a fixed rule list against the snapshot. It is the
// built-in matcher used by tests and the CLI; richer resolvers plug in
// behind the same interface.
type RuleResolver struct {
	rules []Rule
}

func NewRuleResolver(rules []Rule) *RuleResolver {
	return &RuleResolver{rules: rules}
}

// DefaultRules covers the common project layouts the CLI reports on.
func DefaultRules() []Rule {
	return []Rule{
		{Type: "go", Markers: []string{"go.mod"}, Attributes: map[string][]string{"language": {"go"}}},
		{Type: "maven", Markers: []string{"pom.xml"}, Attributes: map[string][]string{"language": {"java"}}},
		{Type: "node", Markers: []string{"package.json"}, Attributes: map[string][]string{"language": {"javascript"}}},
		{Type: "python", Markers: []string{"pyproject.toml"}, Attributes: map[string][]string{"language": {"python"}}},
	}
}

func (r *RuleResolver) Resolve(ctx context.Context, snap Snapshot) ([]types.Estimation, error) {
	estimations := make([]types.Estimation, 0, len(r.rules))
	for _, rule := range r.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matched := true
		for _, marker := range rule.Markers {
			if !matchAny(marker, snap.Files) {
				matched = false
				break
			}
		}
		est := types.Estimation{Type: rule.Type, Matched: matched}
		if matched {
			est.Attributes = rule.Attributes
		}
		estimations = append(estimations, est)
	}
	return estimations, nil
}

func matchAny(pattern string, files []string) bool {
	for _, f := range files {
		if ok, err := path.Match(pattern, f); err == nil && ok {
			return true
		}
		// Also match against the bare file name so "go.mod" finds
		// markers in nested module roots.
		if ok, err := path.Match(pattern, path.Base(f)); err == nil && ok {
			return true
		}
	}
	return false
}
