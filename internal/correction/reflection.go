package correction

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/log"
)

const (
	// maxRetrieved caps how many past reflections inform one session.
	maxRetrieved = 3
	// minImportance filters out lessons that never proved useful.
	minImportance = 0.3
	// reinforceBoost is added to a reflection's importance when a session
	// that used it succeeds.
	reinforceBoost = 0.1
)

// Memory retrieves and stores cross-session lessons backed by the durable
// history store, with a short-lived read cache in front of it.
type Memory struct {
	store *history.Store
	cache *cache.Cache
}

// NewMemory creates a reflection memory over the store.
func NewMemory(store *history.Store) *Memory {
	return &Memory{
		store: store,
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Retrieve returns up to three reflections relevant to the task, most
// important first.
func (m *Memory) Retrieve(taskType TaskType, projectID string) ([]history.Reflection, error) {
	key := string(taskType) + "|" + projectID
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]history.Reflection), nil
	}

	refs, err := m.store.FindReflections(string(taskType), projectID, minImportance, maxRetrieved)
	if err != nil {
		return nil, fmt.Errorf("retrieving reflections: %w", err)
	}
	m.cache.Set(key, refs, cache.DefaultExpiration)
	return refs, nil
}

// Reinforce boosts each used reflection after a successful session and
// invalidates the read cache.
func (m *Memory) Reinforce(used []history.Reflection) {
	for _, ref := range used {
		if err := m.store.ReinforceReflection(ref.ID, reinforceBoost); err != nil {
			log.ErrorErr(log.CatLoop, "reflection reinforce failed", err, "reflectionID", ref.ID)
		}
	}
	m.cache.Flush()
}

// StoreFailure distils a failed session into a durable reflection and saves
// it. Returns the stored reflection.
func (m *Memory) StoreFailure(taskType TaskType, projectID string, hist []HistoryEntry, remaining []Critique) (history.Reflection, error) {
	issues := categorizeIssues(hist)
	patterns := detectPatterns(hist)
	lessons := deriveLessons(issues, patterns)

	ref := history.Reflection{
		TaskType:   string(taskType),
		ProjectID:  projectID,
		Importance: scoreImportance(len(hist), len(remaining), patterns, issues),
		Issues:     issues,
		Patterns:   patterns,
		Lessons:    lessons,
	}
	stored, err := m.store.SaveReflection(ref)
	if err != nil {
		return history.Reflection{}, fmt.Errorf("storing reflection: %w", err)
	}
	m.cache.Flush()
	log.Info(log.CatLoop, "reflection stored", "taskType", taskType, "importance", stored.Importance, "patterns", len(patterns))
	return stored, nil
}

// Preamble renders retrieved reflections as guidance text injected ahead of
// the producer's context.
func Preamble(refs []history.Reflection) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Lessons from similar past tasks:\n")
	for _, ref := range refs {
		for _, lesson := range ref.Lessons {
			b.WriteString("- " + lesson + "\n")
		}
	}
	return b.String()
}

// categorizeIssues collects the distinct critique types seen across the
// session, most frequent first.
func categorizeIssues(hist []HistoryEntry) []string {
	counts := make(map[string]int)
	for _, entry := range hist {
		for _, c := range entry.Verification.Critiques {
			counts[c.Type]++
		}
	}
	issues := make([]string, 0, len(counts))
	for t := range counts {
		issues = append(issues, t)
	}
	sort.Slice(issues, func(i, j int) bool {
		if counts[issues[i]] == counts[issues[j]] {
			return issues[i] < issues[j]
		}
		return counts[issues[i]] > counts[issues[j]]
	})
	return issues
}

// detectPatterns looks for cross-iteration failure shapes.
func detectPatterns(hist []HistoryEntry) []string {
	if len(hist) < 2 {
		return nil
	}

	var patterns []string

	// recurring_issue: some critique identity present in every iteration.
	recurring := critiqueSet(hist[0].Verification.Critiques)
	for _, entry := range hist[1:] {
		next := critiqueSet(entry.Verification.Critiques)
		for k := range recurring {
			if !next[k] {
				delete(recurring, k)
			}
		}
	}
	if len(recurring) > 0 {
		patterns = append(patterns, "recurring_issue")
	}

	// degradation: critique count strictly grows across the session.
	degrading := true
	for i := 1; i < len(hist); i++ {
		if len(hist[i].Verification.Critiques) <= len(hist[i-1].Verification.Critiques) {
			degrading = false
			break
		}
	}
	if degrading {
		patterns = append(patterns, "degradation")
	}

	// oscillation: an issue resolved earlier comes back later.
	seen := make(map[string]int)
	oscillating := false
	for i, entry := range hist {
		current := critiqueSet(entry.Verification.Critiques)
		for k := range current {
			if last, ok := seen[k]; ok && last < i-1 {
				oscillating = true
			}
			seen[k] = i
		}
	}
	if oscillating {
		patterns = append(patterns, "oscillation")
	}

	// stagnation: the final two iterations report the same critique set.
	last := critiqueSet(hist[len(hist)-1].Verification.Critiques)
	prev := critiqueSet(hist[len(hist)-2].Verification.Critiques)
	if len(last) > 0 && isSubset(last, prev) && isSubset(prev, last) {
		patterns = append(patterns, "stagnation")
	}

	return patterns
}

// deriveLessons turns categories and patterns into short imperative guidance.
func deriveLessons(issues, patterns []string) []string {
	var lessons []string
	for _, p := range patterns {
		switch p {
		case "recurring_issue":
			lessons = append(lessons, "a critique survived every revision; address the most frequent issue type first: "+strings.Join(issues, ", "))
		case "degradation":
			lessons = append(lessons, "revisions introduced more issues than they fixed; prefer minimal targeted edits over rewrites")
		case "oscillation":
			lessons = append(lessons, "fixes for one issue reintroduced another; verify earlier fixes still hold after each revision")
		case "stagnation":
			lessons = append(lessons, "identical critiques across iterations; rephrase the approach instead of retrying the same fix")
		}
	}
	if len(lessons) == 0 && len(issues) > 0 {
		lessons = append(lessons, "watch for "+strings.Join(issues, ", ")+" issues in this kind of task")
	}
	return lessons
}

// scoreImportance weighs how much a future session should care about this
// reflection. Longer sessions, more leftover issues, and detected patterns
// all raise the score; capped at 1.0.
func scoreImportance(iterations, remaining int, patterns, issues []string) float64 {
	score := 0.3
	score += 0.05 * float64(min(iterations, 5))
	score += 0.05 * float64(min(remaining, 4))
	score += 0.1 * float64(len(patterns))
	score += 0.02 * float64(min(len(issues), 5))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
