package firewall

// Op is the kind of a rule change.
type Op int

const (
	// OpAdd installs a rule that is wanted but not applied.
	OpAdd Op = iota
	// OpDelete removes a rule that is applied but no longer wanted.
	OpDelete
)

// String returns "add" or "delete", as used for metric labels.
func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "add"
}

// Change is one add/delete step toward the desired rule set.
type Change struct {
	Op   Op
	Rule AllowRule
}

// Diff computes the changes that carry the sorted rule list current to
// the sorted rule list desired: a classic two-pointer merge. Rules only
// in current become deletes, rules only in desired become adds, rules
// in both are skipped. Applying the changes in order to current yields
// desired regardless of how adds and deletes interleave.
func Diff(current, desired []AllowRule) []Change {
	var changes []Change

	i, j := 0, 0
	for i < len(current) && j < len(desired) {
		switch c := current[i].Compare(desired[j]); {
		case c < 0:
			changes = append(changes, Change{Op: OpDelete, Rule: current[i]})
			i++
		case c > 0:
			changes = append(changes, Change{Op: OpAdd, Rule: desired[j]})
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(current); i++ {
		changes = append(changes, Change{Op: OpDelete, Rule: current[i]})
	}
	for ; j < len(desired); j++ {
		changes = append(changes, Change{Op: OpAdd, Rule: desired[j]})
	}

	return changes
}
