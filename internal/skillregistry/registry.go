// Package skillregistry replaces the source's runtime module discovery
// (spec §9) with an explicit registry built once at worker boot from a
// declarative manifest.
package skillregistry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillDef describes one callable capability exposed by an app.
type SkillDef struct {
	AppID            string         `yaml:"app_id"`
	SkillID          string         `yaml:"skill_id"`
	Description      string         `yaml:"description"`
	PreprocessorHint string         `yaml:"preprocessor_hint"`
	IsEntrySkill     bool           `yaml:"is_entry_skill"`
	AlwaysInclude    bool           `yaml:"always_include"`
	ArgumentsSchema  map[string]any `yaml:"arguments_schema"`
}

// Identifier returns the "<app_id>-<skill_id>" tool/skill name.
func (s SkillDef) Identifier() string { return s.AppID + "-" + s.SkillID }

// FocusDef describes one focus mode.
type FocusDef struct {
	AppID   string `yaml:"app_id"`
	FocusID string `yaml:"focus_id"`
}

// Identifier returns the "<app_id>-<focus_id>" focus mode name.
func (f FocusDef) Identifier() string { return f.AppID + "-" + f.FocusID }

type manifest struct {
	Skills []SkillDef `yaml:"skills"`
	Focus  []FocusDef `yaml:"focus_modes"`
}

// Registry exposes (app_id, skill_id) -> definition lookups built at boot.
type Registry struct {
	skills    map[string]SkillDef
	skillOrder []string
	focus     map[string]FocusDef
	focusOrder []string
}

// Load reads the manifest YAML file at path and builds a Registry.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skillregistry: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("skillregistry: parse manifest: %w", err)
	}
	return New(m.Skills, m.Focus), nil
}

// New builds a Registry directly from already-decoded definitions.
func New(skills []SkillDef, focus []FocusDef) *Registry {
	r := &Registry{
		skills: make(map[string]SkillDef, len(skills)),
		focus:  make(map[string]FocusDef, len(focus)),
	}
	for _, s := range skills {
		id := s.Identifier()
		r.skills[id] = s
		r.skillOrder = append(r.skillOrder, id)
	}
	for _, f := range focus {
		id := f.Identifier()
		r.focus[id] = f
		r.focusOrder = append(r.focusOrder, id)
	}
	return r
}

// Skill looks up a skill definition by its "<app_id>-<skill_id>" identifier.
func (r *Registry) Skill(identifier string) (SkillDef, bool) {
	s, ok := r.skills[identifier]
	return s, ok
}

// AvailableSkillIdentifiers returns every registered skill identifier except
// the AI app's own entry skill (spec §4.6 step 5), in manifest order.
func (r *Registry) AvailableSkillIdentifiers() []string {
	out := make([]string, 0, len(r.skillOrder))
	for _, id := range r.skillOrder {
		if r.skills[id].IsEntrySkill {
			continue
		}
		out = append(out, id)
	}
	return out
}

// AlwaysIncludeIdentifiers returns skills flagged to appear in every
// main-processor tool list regardless of preselection (spec GLOSSARY:
// "always-include skills").
func (r *Registry) AlwaysIncludeIdentifiers() []string {
	var out []string
	for _, id := range r.skillOrder {
		if r.skills[id].AlwaysInclude {
			out = append(out, id)
		}
	}
	return out
}

// AppIDs returns every distinct app_id with at least one registered skill,
// in manifest order, for the postprocessor's top_recommended_apps_for_user
// candidate list.
func (r *Registry) AppIDs() []string {
	seen := make(map[string]struct{}, len(r.skillOrder))
	var out []string
	for _, id := range r.skillOrder {
		appID := r.skills[id].AppID
		if _, ok := seen[appID]; ok {
			continue
		}
		seen[appID] = struct{}{}
		out = append(out, appID)
	}
	return out
}

// AvailableFocusIdentifiers returns every registered focus mode identifier.
func (r *Registry) AvailableFocusIdentifiers() []string {
	out := make([]string, len(r.focusOrder))
	copy(out, r.focusOrder)
	return out
}

// Resolver builds a lookup table from every valid identifier in ids to
// itself plus the common hallucination variants an LLM tends to emit:
// the underscore form, the duplicated-last-segment form ("x-y-y"), and
// the underscore twin of that (spec §4.6 step 8).
func Resolver(ids []string) map[string]string {
	table := make(map[string]string, len(ids)*3)
	for _, id := range ids {
		table[id] = id
		underscored := strings.ReplaceAll(id, "-", "_")
		table[underscored] = id

		if lastDash := strings.LastIndex(id, "-"); lastDash >= 0 {
			suffix := id[lastDash+1:]
			duplicated := id + "-" + suffix
			table[duplicated] = id
			table[strings.ReplaceAll(duplicated, "-", "_")] = id
		}
	}
	return table
}

// Resolve maps a (possibly hallucinated) identifier through table, returning
// ok=false if it cannot be resolved.
func Resolve(table map[string]string, identifier string) (string, bool) {
	resolved, ok := table[identifier]
	return resolved, ok
}
