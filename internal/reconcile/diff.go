package reconcile

// DiffResult partitions an incoming set against a current set. An "update"
// means full-value inequality under the supplied equality; there is no
// field-level delta.
type DiffResult[T any] struct {
	ToAdd    []T
	ToUpdate []T
	ToRemove []T
}

// Empty reports whether the diff carries no changes. Re-running a pipeline on
// byte-identical source data must land here.
func (d DiffResult[T]) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

// Diff computes additions, updates, and removals between current and
// incoming. Matching uses key; change detection uses equal. ToAdd and
// ToUpdate preserve incoming order, ToRemove preserves current order.
func Diff[T any](current, incoming []T, key func(T) string, equal func(T, T) bool) DiffResult[T] {
	currentByKey := make(map[string]T, len(current))
	for _, c := range current {
		currentByKey[key(c)] = c
	}

	var result DiffResult[T]
	incomingKeys := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		k := key(in)
		incomingKeys[k] = true
		existing, ok := currentByKey[k]
		switch {
		case !ok:
			result.ToAdd = append(result.ToAdd, in)
		case !equal(existing, in):
			result.ToUpdate = append(result.ToUpdate, in)
		}
	}
	for _, c := range current {
		if !incomingKeys[key(c)] {
			result.ToRemove = append(result.ToRemove, c)
		}
	}
	return result
}
