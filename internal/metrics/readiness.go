package metrics

import (
	"sort"
	"strings"
)

// ReadinessCategory labels one readiness failure.
type ReadinessCategory struct {
	Name     string
	Severity string
}

// CategoryCount is how often the agent left the ready state with a category
// present.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

type readinessState struct {
	ready        bool
	reason       string
	categories   []ReadinessCategory
	toReady      uint64
	toNotReady   uint64
	alerts       uint64
	degradations map[ReadinessCategory]uint64
}

func (r *readinessState) fill(snap *Snapshot) {
	snap.Ready = r.ready
	snap.ReadyReason = r.reason
	snap.ReadyTransitions = r.toReady
	snap.NotReadyTransitions = r.toNotReady
	snap.ReadyAlerts = r.alerts
	snap.ReadyCategories = append([]ReadinessCategory(nil), r.categories...)
	snap.CategoryTransitions = make([]CategoryCount, 0, len(r.degradations))
	for cat, n := range r.degradations {
		snap.CategoryTransitions = append(snap.CategoryTransitions, CategoryCount{Category: cat.Name, Severity: cat.Severity, Count: n})
	}
	sort.Slice(snap.CategoryTransitions, func(i, j int) bool {
		a, b := snap.CategoryTransitions[i], snap.CategoryTransitions[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Severity < b.Severity
	})
}

// ObserveReadiness records the latest readiness verdict. The store starts
// not ready, so only a drop from ready counts as an alert and attributes the
// degradation to its categories.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.readiness
	wasReady := r.ready
	r.ready = ready

	if ready {
		if !wasReady {
			r.toReady++
		}
		r.reason, r.categories = "", nil
		return
	}

	r.reason = reason
	r.categories = dedupeCategories(categories)
	if !wasReady {
		return
	}
	r.toNotReady++
	r.alerts++
	for _, cat := range r.categories {
		r.degradations[cat]++
	}
}

// dedupeCategories normalizes labels and drops blanks and repeats, keeping
// first-seen order.
func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	var out []ReadinessCategory
	seen := make(map[ReadinessCategory]bool, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		norm := ReadinessCategory{Name: normalizeLabel(c.Name), Severity: normalizeSeverity(c.Severity)}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

func normalizeLabel(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "unknown"
	}
	return name
}

var severityAliases = map[string]string{
	"":              "unknown",
	"informational": "info",
	"warn":          "warning",
	"crit":          "critical",
}

func normalizeSeverity(severity string) string {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if alias, ok := severityAliases[severity]; ok {
		return alias
	}
	return severity
}
