// Package reconciler derives position lifecycle events from two consecutive
// account snapshots. It only reports symbols; applying the changes (and
// tolerating removals that already happened externally) is the consumer's job.
package reconciler

import (
	"sort"

	"github.com/vadiminshakov/bywatch/internal/domain"
)

// Diff computes which tracked positions were created, removed or updated
// between previous and current. Membership is decided by symbol: a symbol in
// both snapshots is always reported as updated, even if nothing changed,
// because consumers need the refreshed values regardless. A nil previous
// snapshot (first successful fetch) reports every symbol as created.
// All result slices are sorted ascending so emissions are reproducible.
func Diff(previous, current *domain.AccountSnapshot) domain.ChangeSet {
	change := domain.ChangeSet{
		Created: []string{},
		Removed: []string{},
		Updated: []string{},
	}

	for symbol := range current.Positions {
		if previous == nil {
			change.Created = append(change.Created, symbol)
			continue
		}
		if _, ok := previous.Positions[symbol]; ok {
			change.Updated = append(change.Updated, symbol)
		} else {
			change.Created = append(change.Created, symbol)
		}
	}

	if previous != nil {
		for symbol := range previous.Positions {
			if _, ok := current.Positions[symbol]; !ok {
				change.Removed = append(change.Removed, symbol)
			}
		}
	}

	sort.Strings(change.Created)
	sort.Strings(change.Removed)
	sort.Strings(change.Updated)

	return change
}
