package feed

import (
	"fmt"
	"strconv"
	"strings"
)

// The sequence number travels inside the post text as a "#N " prefix.
// This is a wire format at the external boundary: Render and Parse are
// the only places that know the convention, so business logic never
// splits strings itself.

// Render prepends the sequence number to the clean text.
func Render(number int, text string) string {
	return fmt.Sprintf("#%d %s", number, text)
}

// Parse extracts the sequence number and clean text from a post body.
// ok is false when the text carries no recognizable prefix; such posts
// are unmanaged and reconciliation leaves them alone.
func Parse(s string) (number int, text string, ok bool) {
	if !strings.HasPrefix(s, "#") {
		return 0, s, false
	}
	head, rest, found := strings.Cut(s, " ")
	if !found {
		head, rest = s, ""
	}
	n, err := strconv.Atoi(head[1:])
	if err != nil || n <= 0 {
		return 0, s, false
	}
	return n, rest, true
}
