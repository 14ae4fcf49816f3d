package domain

// ChangeSet describes how the tracked position set changed between two
// consecutive snapshots. Membership is decided by symbol, not by value
// equality: a symbol present in both snapshots lands in Updated even when no
// field differs, because consumers need the refreshed values either way.
// All three slices are sorted in ascending lexical order.
type ChangeSet struct {
	Created []string `json:"created"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
}

// Empty reports whether the change set carries no symbols at all.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}
