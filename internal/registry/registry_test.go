package registry

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, patterns ...string) *Registry {
	t.Helper()
	r, err := New(patterns, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func desc(upstream, local, description string) Descriptor {
	return Descriptor{
		FullName:    FullName(upstream, local),
		LocalName:   local,
		UpstreamID:  upstream,
		Description: description,
		InputSchema: []byte(`{"type":"object"}`),
	}
}

func TestFullNameRoundTrip(t *testing.T) {
	full := FullName("github", "list_issues")
	assert.Equal(t, "github__list_issues", full)

	upstream, local, ok := SplitFullName(full)
	require.True(t, ok)
	assert.Equal(t, "github", upstream)
	assert.Equal(t, "list_issues", local)

	// Local names may contain the separator; the split is at the first one.
	upstream, local, ok = SplitFullName("a__b__c")
	require.True(t, ok)
	assert.Equal(t, "a", upstream)
	assert.Equal(t, "b__c", local)

	for _, bad := range []string{"", "noseparator", "__leading", "trailing__"} {
		_, _, ok := SplitFullName(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestParseMatchMode(t *testing.T) {
	for input, want := range map[string]MatchMode{
		"":    MatchAll,
		"AND": MatchAll,
		"and": MatchAll,
		"OR":  MatchAny,
		" or": MatchAny,
	} {
		mode, err := ParseMatchMode(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, mode, "input %q", input)
	}

	_, err := ParseMatchMode("XOR")
	require.Error(t, err)
}

func TestAddFromSessionPublishes(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "list_issues", "List issues"),
		desc("github", "create_issue", "Create an issue"),
	}))

	assert.Equal(t, 2, r.Len())

	tool, ok := r.Get("github__list_issues")
	require.True(t, ok)
	assert.Equal(t, "list_issues", tool.LocalName)
	assert.True(t, tool.Enabled)
	assert.True(t, tool.Exposed)

	exposed := r.Exposed()
	require.Len(t, exposed, 2)
	assert.Equal(t, "github__create_issue", exposed[0].FullName)
	assert.Equal(t, "github__list_issues", exposed[1].FullName)
}

func TestAddFromSessionReplacesAtomically(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "keep", "Stays across the re-list"),
		desc("github", "drop", "Disappears on the re-list"),
	}))
	r.Disable([]string{"github__keep"})

	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "keep", "Stays across the re-list"),
		desc("github", "fresh", "New after reconnect"),
	}))

	_, ok := r.Get("github__drop")
	assert.False(t, ok)

	// A surviving tool keeps its toggled visibility.
	kept, ok := r.Get("github__keep")
	require.True(t, ok)
	assert.False(t, kept.Enabled)

	fresh, ok := r.Get("github__fresh")
	require.True(t, ok)
	assert.True(t, fresh.Enabled)
}

func TestSessionsAreIsolated(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read a file")}))
	require.NoError(t, r.AddFromSession("jira", []Descriptor{desc("jira", "read", "Read a ticket")}))

	r.RemoveFromSession("github")

	_, ok := r.Get("github__read")
	assert.False(t, ok)
	_, ok = r.Get("jira__read")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRemoveForgetsToggledState(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read")}))
	r.Disable([]string{"github__read"})
	r.RemoveFromSession("github")

	// Re-publish after a full retraction starts from the patterns again.
	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read")}))
	tool, ok := r.Get("github__read")
	require.True(t, ok)
	assert.True(t, tool.Enabled)
}

func TestEnablePatternsGateInitialVisibility(t *testing.T) {
	r := newTestRegistry(t, "github__*")

	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read")}))
	require.NoError(t, r.AddFromSession("jira", []Descriptor{desc("jira", "read", "Read")}))

	gh, _ := r.Get("github__read")
	ji, _ := r.Get("jira__read")
	assert.True(t, gh.Enabled)
	assert.False(t, ji.Enabled)

	// Hidden tools are still discoverable by search.
	hits := r.Search([]string{"read"}, MatchAll)
	assert.Len(t, hits, 2)
	assert.Len(t, r.Exposed(), 1)
}

func TestAddFromSessionRejectsBadDescriptors(t *testing.T) {
	r := newTestRegistry(t)

	err := r.AddFromSession("github", []Descriptor{{LocalName: ""}})
	require.Error(t, err)

	err = r.AddFromSession("github", []Descriptor{desc("jira", "read", "Wrong owner")})
	require.Error(t, err)

	err = r.AddFromSession("", nil)
	require.Error(t, err)
}

func TestSearchModes(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "list_issues", "List open issues in a repository"),
		desc("github", "create_file", "Create a file in a repository"),
	}))
	require.NoError(t, r.AddFromSession("jira", []Descriptor{
		desc("jira", "list_issues", "List issues in a project"),
	}))

	and := r.Search([]string{"ISSUES", "repository"}, MatchAll)
	require.Len(t, and, 1)
	assert.Equal(t, "github__list_issues", and[0].FullName)

	or := r.Search([]string{"issues", "repository"}, MatchAny)
	assert.Len(t, or, 3)

	// The upstream id participates in matching.
	byUpstream := r.Search([]string{"jira"}, MatchAll)
	require.Len(t, byUpstream, 1)
	assert.Equal(t, "jira__list_issues", byUpstream[0].FullName)

	assert.Nil(t, r.Search(nil, MatchAll))
	assert.Nil(t, r.Search([]string{"  "}, MatchAll))
	assert.Empty(t, r.Search([]string{"nomatch"}, MatchAll))
}

func TestSearchRankedPrefersExactNameHits(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "issues", "Track issues"),
		desc("github", "search_code", "Search code across repositories, excluding issues"),
	}))

	hits := r.SearchRanked([]string{"issues"}, MatchAll, 0)
	require.Len(t, hits, 2)
	assert.Equal(t, "github__issues", hits[0].FullName)

	limited := r.SearchRanked([]string{"issues"}, MatchAll, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "github__issues", limited[0].FullName)
}

func TestEnableDisableFireListChangedOncePerEffectiveChange(t *testing.T) {
	r := newTestRegistry(t, "nothing-matches-*")
	var fires atomic.Int32
	r.OnListChanged(func() { fires.Add(1) })

	// Publish with every tool hidden: exposed catalog unchanged, no fire.
	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read")}))
	assert.Equal(t, int32(0), fires.Load())

	assert.Equal(t, 1, r.Enable([]string{"github__read"}, "test"))
	assert.Equal(t, int32(1), fires.Load())

	// Idempotent enable: nothing flips, no fire.
	assert.Equal(t, 0, r.Enable([]string{"github__read"}, "test"))
	assert.Equal(t, int32(1), fires.Load())

	// Unknown names are a no-op.
	assert.Equal(t, 0, r.Enable([]string{"github__missing"}, "test"))
	assert.Equal(t, int32(1), fires.Load())

	assert.Equal(t, 1, r.Disable([]string{"github__read"}))
	assert.Equal(t, int32(2), fires.Load())
	assert.Equal(t, 0, r.Disable([]string{"github__read"}))
	assert.Equal(t, int32(2), fires.Load())
}

func TestRepublishUnchangedCatalogDoesNotNotify(t *testing.T) {
	r := newTestRegistry(t)
	catalog := []Descriptor{desc("github", "read", "Read a file")}
	require.NoError(t, r.AddFromSession("github", catalog))

	var fires atomic.Int32
	r.OnListChanged(func() { fires.Add(1) })

	require.NoError(t, r.AddFromSession("github", catalog))
	assert.Equal(t, int32(0), fires.Load())

	// A description edit is an effective change.
	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read any file")}))
	assert.Equal(t, int32(1), fires.Load())
}

func TestResolveShortNames(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "read", "Read")}))
	require.NoError(t, r.AddFromSession("jira", []Descriptor{desc("jira", "read", "Read")}))

	_, err := r.Resolve("read")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
	assert.Contains(t, err.Error(), "github__read")
	assert.Contains(t, err.Error(), "jira__read")

	// Disabling one side makes the short name unique across enabled tools.
	r.Disable([]string{"jira__read"})
	full, err := r.Resolve("read")
	require.NoError(t, err)
	assert.Equal(t, "github__read", full)

	_, err = r.Resolve("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled tool")
}

func TestIndexMirrorStaysInSync(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddFromSession("github", []Descriptor{
		desc("github", "one", "First"),
		desc("github", "two", "Second"),
	}))
	count, err := r.index.docCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	require.NoError(t, r.AddFromSession("github", []Descriptor{desc("github", "one", "First")}))
	count, err = r.index.docCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	r.RemoveFromSession("github")
	count, err = r.index.docCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}
