// Package classification defines the sensitivity tiers attached to data
// and actions, and the rule-driven resolver that assigns them. A level,
// once assigned, is never downgraded; callers combine levels with Max.
package classification

// Level represents the sensitivity tier of data or an action.
type Level string

const (
	Public     Level = "public"     // Freely shareable
	Internal   Level = "internal"   // Staff-visible, not resident-facing detail
	Sensitive  Level = "sensitive"  // PII, case records; needs gating
	Restricted Level = "restricted" // Legal, financial, irreversible actions
)

var levelRank = map[Level]int{
	Public:     1,
	Internal:   2,
	Sensitive:  3,
	Restricted: 4,
}

// Valid reports whether l is one of the four defined tiers.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank returns the ordering of the level (higher = more restrictive).
// Unknown levels rank at 0, below Public.
func (l Level) Rank() int {
	return levelRank[l]
}

// AtLeast reports whether l is at least as restrictive as min.
func (l Level) AtLeast(min Level) bool {
	return l.Rank() >= min.Rank()
}

// Max returns the more restrictive of the two levels. It is the floor
// operation used when combining an assigned level with an adapter's
// declared minimum.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
