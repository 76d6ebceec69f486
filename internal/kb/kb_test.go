package kb

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPackGroupsRespectsBudget(t *testing.T) {
	// Three docs around 10k tokens each (40k chars) plus one small one:
	// the budget of 30k tokens fits the small doc and two large, then the
	// third large doc spills into a second group.
	big := strings.Repeat("x", 40_000)
	docs := []Document{
		{Name: "a", Text: big},
		{Name: "b", Text: big},
		{Name: "c", Text: big},
		{Name: "tiny", Text: "short"},
	}
	groups := packGroups(docs)
	if len(groups) != 2 {
		t.Fatalf("groups: got %d, want 2", len(groups))
	}
	// Greedy ascending: the tiny document packs first.
	if groups[0][0].Name != "tiny" {
		t.Errorf("first packed doc: got %q, want tiny", groups[0][0].Name)
	}
	for _, g := range groups {
		total := 0
		for _, d := range g {
			total += estimateTokens(d.Text)
		}
		if total > maxGroupTokens {
			t.Errorf("group over budget: %d tokens", total)
		}
	}
}

func TestPackGroupsOversizedDocGetsOwnGroup(t *testing.T) {
	huge := strings.Repeat("x", maxGroupTokens*8) // well past the budget alone
	groups := packGroups([]Document{
		{Name: "huge", Text: huge},
		{Name: "small", Text: "hi"},
	})
	if len(groups) != 2 {
		t.Fatalf("groups: got %d, want 2", len(groups))
	}
	if len(groups[1]) != 1 || groups[1][0].Name != "huge" {
		t.Errorf("oversized doc should sit alone: %+v", groups[1])
	}
}

func TestCacheKeyIsOrderIndependent(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	if cacheKey([]uuid.UUID{a, b}) != cacheKey([]uuid.UUID{b, a}) {
		t.Error("cache key should not depend on id order")
	}
	if cacheKey([]uuid.UUID{a}) == cacheKey([]uuid.UUID{b}) {
		t.Error("distinct sets must not collide")
	}
}
