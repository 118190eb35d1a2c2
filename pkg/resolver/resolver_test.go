package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func estimationFor(t *testing.T, snap Snapshot, projectType string) (bool, map[string][]string) {
	t.Helper()
	r := NewRuleResolver(DefaultRules())
	estimations, err := r.Resolve(context.Background(), snap)
	require.NoError(t, err)
	for _, est := range estimations {
		if est.Type == projectType {
			return est.Matched, est.Attributes
		}
	}
	t.Fatalf("no estimation for type %s", projectType)
	return false, nil
}

func TestGoProjectDetection(t *testing.T) {
	matched, attrs := estimationFor(t, Snapshot{
		Path:  "/proj",
		Files: []string{"go.mod", "main.go"},
	}, "go")
	assert.True(t, matched)
	assert.Equal(t, []string{"go"}, attrs["language"])
}

func TestNestedMarkerMatchesByBaseName(t *testing.T) {
	matched, _ := estimationFor(t, Snapshot{
		Path:  "/mono",
		Files: []string{"services/api/go.mod"},
	}, "go")
	assert.True(t, matched)
}

func TestNoMatch(t *testing.T) {
	matched, attrs := estimationFor(t, Snapshot{
		Path:  "/empty",
		Files: []string{"notes.txt"},
	}, "maven")
	assert.False(t, matched)
	assert.Nil(t, attrs)
}

func TestAllRulesReported(t *testing.T) {
	r := NewRuleResolver(DefaultRules())
	estimations, err := r.Resolve(context.Background(), Snapshot{
		Path:  "/multi",
		Files: []string{"go.mod", "package.json"},
	})
	require.NoError(t, err)
	assert.Len(t, estimations, len(DefaultRules()))

	matchedTypes := []string{}
	for _, est := range estimations {
		if est.Matched {
			matchedTypes = append(matchedTypes, est.Type)
		}
	}
	assert.ElementsMatch(t, []string{"go", "node"}, matchedTypes)
}

func TestMultiMarkerRuleRequiresAll(t *testing.T) {
	r := NewRuleResolver([]Rule{{
		Type:    "web",
		Markers: []string{"package.json", "*.html"},
	}})

	estimations, err := r.Resolve(context.Background(), Snapshot{
		Files: []string{"package.json"},
	})
	require.NoError(t, err)
	assert.False(t, estimations[0].Matched)

	estimations, err = r.Resolve(context.Background(), Snapshot{
		Files: []string{"package.json", "index.html"},
	})
	require.NoError(t, err)
	assert.True(t, estimations[0].Matched)
}

func TestResolveHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRuleResolver(DefaultRules())
	_, err := r.Resolve(ctx, Snapshot{Files: []string{"go.mod"}})
	assert.ErrorIs(t, err, context.Canceled)
}
