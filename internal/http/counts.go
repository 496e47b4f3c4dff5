package http

import "context"

// CountIndexed returns the number of points in collection.
//
// Returns -1 if:
//   - index is nil
//   - the count call fails, which includes a collection that does not
//     exist yet
func CountIndexed(ctx context.Context, index IndexHealth, collection string) int {
	if index == nil {
		return -1
	}
	n, err := index.Count(ctx, collection)
	if err != nil {
		return -1
	}
	return n
}
