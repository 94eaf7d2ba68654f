package notify

import "strings"

// DefaultMaxChunk is the largest message, in runes, sent in one piece
const DefaultMaxChunk = 4000

// SplitText breaks text into chunks of at most limit runes. A chunk ends at
// the last newline inside the window, else at the last space, else it is cut
// hard at the limit. Whitespace at the start of the following chunk is dropped.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxChunk
	}
	rest := []rune(strings.TrimSpace(text))
	if len(rest) == 0 {
		return nil
	}

	var chunks []string
	for len(rest) > limit {
		cut := lastIndex(rest[:limit+1], '\n')
		if cut <= 0 {
			cut = lastIndex(rest[:limit+1], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(string(rest[:cut]), " \n"))
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \n"))
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
