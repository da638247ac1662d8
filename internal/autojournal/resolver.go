package autojournal

import (
	"sort"
	"time"
)

// Snapshot is an immutable view of the pattern table taken at run start.
// Every worker in a run resolves against the same snapshot, so mid-run
// pattern maintenance cannot split a batch across two rule sets.
type Snapshot struct {
	patterns []Pattern
	takenAt  time.Time
}

// NewSnapshot copies the pattern set into an immutable snapshot.
func NewSnapshot(patterns []Pattern, takenAt time.Time) *Snapshot {
	copied := make([]Pattern, len(patterns))
	copy(copied, patterns)
	return &Snapshot{patterns: copied, takenAt: takenAt}
}

// TakenAt returns the snapshot timestamp.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Len returns the number of patterns in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.patterns)
}

// Resolve selects the single applicable pattern for the given attributes and
// posting date. Candidates are filtered on selectors and validity, then
// ranked by priority ascending, specificity (fewest wildcards), and pattern
// code. The result is fully determined by the inputs and the snapshot.
func (s *Snapshot) Resolve(productGroup, customerGroup, salesType string, date time.Time) (Pattern, error) {
	var candidates []Pattern
	for _, p := range s.patterns {
		if p.Matches(productGroup, customerGroup, salesType) && p.ValidAt(date) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Pattern{}, ErrPatternNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Wildcards() != b.Wildcards() {
			return a.Wildcards() < b.Wildcards()
		}
		return a.Code < b.Code
	})
	return candidates[0], nil
}
