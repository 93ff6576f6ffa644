package audit

import "fmt"

// NextMarker derives the next marker counter from the counter just fetched
// from the server. Deriving from a cached value would let two concurrent
// editors claim the same number, so callers must pass the fresh value.
func NextMarker(serverCounter int) int {
	return serverCounter + 1
}

// MarkerText formats the superscript marker stamped onto corrections and
// checkbox entries.
func MarkerText(initials string, counter int) string {
	return fmt.Sprintf("%s*%d", initials, counter)
}
