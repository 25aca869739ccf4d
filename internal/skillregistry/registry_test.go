package skillregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRegistry() *Registry {
	return New([]SkillDef{
		{AppID: "web", SkillID: "search", PreprocessorHint: "use for current events"},
		{AppID: "web", SkillID: "read"},
		{AppID: "ai", SkillID: "ask", IsEntrySkill: true},
	}, []FocusDef{
		{AppID: "web", FocusID: "news"},
	})
}

func TestAvailableSkillIdentifiers_ExcludesEntrySkill(t *testing.T) {
	r := testRegistry()
	ids := r.AvailableSkillIdentifiers()
	assert.ElementsMatch(t, []string{"web-search", "web-read"}, ids)
}

func TestResolver_MapsHallucinationVariants(t *testing.T) {
	table := Resolver([]string{"web-search"})

	for _, variant := range []string{"web-search", "web_search", "web-search-search", "web_search_search"} {
		resolved, ok := Resolve(table, variant)
		assert.True(t, ok, variant)
		assert.Equal(t, "web-search", resolved)
	}

	_, ok := Resolve(table, "totally-unknown")
	assert.False(t, ok)
}

func TestAvailableFocusIdentifiers(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, []string{"web-news"}, r.AvailableFocusIdentifiers())
}

func TestAlwaysIncludeIdentifiers(t *testing.T) {
	r := New([]SkillDef{
		{AppID: "web", SkillID: "search"},
		{AppID: "safety", SkillID: "report-abuse", AlwaysInclude: true},
	}, nil)
	assert.Equal(t, []string{"safety-report-abuse"}, r.AlwaysIncludeIdentifiers())
}
