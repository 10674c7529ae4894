package metrics

import "sort"

// ErrorBucket is the failure count for one error kind.
type ErrorBucket struct {
	Kind  string
	Count int
}

// FlattenErrors converts an error kind->count map into a sorted slice of ErrorBucket rows.
// Rows are sorted by descending count, then by kind for stability.
func FlattenErrors(errs map[string]int) []ErrorBucket {
	if len(errs) == 0 {
		return nil
	}
	rows := make([]ErrorBucket, 0, len(errs))
	for kind, count := range errs {
		rows = append(rows, ErrorBucket{Kind: kind, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
