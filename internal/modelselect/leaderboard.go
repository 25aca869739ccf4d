// Package modelselect resolves a request's (task_area, complexity,
// china_related, user_unhappy) tuple to a ranked set of candidate models
// (spec §4.6 step 10), and serves the "@best-model:<category>" override.
package modelselect

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one leaderboard row: a model ranked for a given task profile.
type Entry struct {
	TaskArea    string `yaml:"task_area"`
	Complexity  string `yaml:"complexity"`
	ProviderModelID string `yaml:"provider_model_id"`
	DisplayName string `yaml:"display_name"`
	IsChinaOrigin bool `yaml:"is_china_origin"`
	Rank        int `yaml:"rank"` // lower is better
}

// Leaderboard ranks models per task profile, loaded once at boot from its
// own YAML manifest, separate from the provider/mate config.
type Leaderboard struct {
	entries []Entry
}

// New builds a Leaderboard from already-decoded entries.
func New(entries []Entry) *Leaderboard {
	return &Leaderboard{entries: entries}
}

// Load reads a YAML manifest of leaderboard rows from path and builds a
// Leaderboard, mirroring skillregistry.Load's manifest-file convention.
func Load(path string) (*Leaderboard, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelselect: read manifest: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("modelselect: parse manifest: %w", err)
	}
	return New(entries), nil
}

// Selection is the outcome of an auto-selection lookup.
type Selection struct {
	Primary          string
	PrimaryName      string
	Secondary        string
	Fallback         string
	Reason           string
	FilteredCNModels bool
}

// Select ranks candidates for (taskArea, complexity), excluding China-origin
// models when chinaSensitive is true, and returns the top three entries as
// primary/secondary/fallback (spec §4.6 step 10.3). With fewer than three
// candidates, fallback repeats the lowest-ranked one and secondary may be
// empty.
func (l *Leaderboard) Select(taskArea, complexity string, chinaSensitive, userUnhappy bool) (Selection, bool) {
	var candidates []Entry
	filtered := false
	for _, e := range l.entries {
		if !strings.EqualFold(e.TaskArea, taskArea) || !strings.EqualFold(e.Complexity, complexity) {
			continue
		}
		if chinaSensitive && e.IsChinaOrigin {
			filtered = true
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Selection{}, false
	}
	sortByRank(candidates)

	sel := Selection{
		Primary:          candidates[0].ProviderModelID,
		PrimaryName:      candidates[0].DisplayName,
		FilteredCNModels: filtered,
		Reason:           reasonFor(taskArea, complexity, userUnhappy),
	}
	if len(candidates) > 1 {
		sel.Secondary = candidates[1].ProviderModelID
	}
	if len(candidates) > 2 {
		sel.Fallback = candidates[2].ProviderModelID
	} else if len(candidates) > 1 {
		sel.Fallback = candidates[1].ProviderModelID
	} else {
		sel.Fallback = candidates[0].ProviderModelID
	}
	return sel, true
}

// BestForCategory resolves the "@best-model:<category>" override: the
// top-ranked entry across all task areas for the given category/complexity
// pairing is approximated by treating category as task_area with "complex"
// complexity, since the override carries no explicit complexity signal.
func (l *Leaderboard) BestForCategory(category string, chinaSensitive bool) (string, string, bool) {
	sel, ok := l.Select(category, "complex", chinaSensitive, false)
	if !ok {
		sel, ok = l.Select(category, "simple", chinaSensitive, false)
		if !ok {
			return "", "", false
		}
	}
	return sel.Primary, sel.PrimaryName, true
}

func reasonFor(taskArea, complexity string, userUnhappy bool) string {
	reason := "auto-selected leaderboard top entry for task_area=" + taskArea + " complexity=" + complexity
	if userUnhappy {
		reason += " (user expressed dissatisfaction, prefer a stronger model)"
	}
	return reason
}

func sortByRank(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Rank < entries[j-1].Rank; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
