package knowledge

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePath splits a dot-path into segments. Segments may be single- or
// double-quoted; inside quotes, dots are literal. An empty path yields no
// segments (addressing the whole document).
//
//	user.profile.name      → [user profile name]
//	tags.0                 → [tags 0]
//	notes."a.b".c          → [notes a.b c]
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	var segs []string
	var cur strings.Builder
	var quote byte // 0 = unquoted
	wrote := false

	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			wrote = true
		case ch == '.':
			if !wrote && cur.Len() == 0 {
				return nil, fmt.Errorf("knowledge: empty segment in path %q", path)
			}
			segs = append(segs, cur.String())
			cur.Reset()
			wrote = false
		default:
			cur.WriteByte(ch)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("knowledge: unterminated quote in path %q", path)
	}
	if !wrote && cur.Len() == 0 {
		return nil, fmt.Errorf("knowledge: empty segment in path %q", path)
	}
	segs = append(segs, cur.String())
	return segs, nil
}

// listIndex interprets a segment as a non-negative list index.
func listIndex(seg string, length int) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 || n >= length {
		return 0, false
	}
	return n, true
}
