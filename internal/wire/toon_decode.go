package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// TOON decoder. Accepts everything EncodeTOON produces and preserves the
// semantic value; numbers come back as float64 (JSON normalization).

type toonParser struct {
	lines []toonLine
	pos   int
}

type toonLine struct {
	depth int
	text  string // content with indentation stripped
	raw   string
}

// DecodeTOON parses a TOON document into generic values.
func DecodeTOON(text string) (any, error) {
	lines := splitToonLines(text)
	if len(lines) == 0 {
		return nil, fmt.Errorf("toon: empty document")
	}

	p := &toonParser{lines: lines}

	// A single line that is not a field header is a bare scalar document.
	if len(lines) == 1 && !looksLikeHeader(lines[0].text) {
		return parseInlineValue(lines[0].text)
	}

	root := map[string]any{}
	for p.pos < len(p.lines) {
		if p.lines[p.pos].depth != 0 {
			return nil, fmt.Errorf("toon: unexpected indent at line %q", p.lines[p.pos].raw)
		}
		name, v, err := p.parseField(0)
		if err != nil {
			return nil, err
		}
		root[name] = v
	}
	return root, nil
}

func splitToonLines(text string) []toonLine {
	var out []toonLine
	for _, raw := range strings.Split(text, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		depth := 0
		rest := raw
		for strings.HasPrefix(rest, "  ") {
			depth++
			rest = rest[2:]
		}
		out = append(out, toonLine{depth: depth, text: strings.TrimLeft(rest, " "), raw: raw})
	}
	return out
}

// looksLikeHeader reports whether a line opens a field (has an unquoted ':').
func looksLikeHeader(s string) bool {
	_, rest, err := scanName(s)
	if err != nil {
		return false
	}
	return strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") || strings.HasPrefix(rest, ":")
}

// parseField consumes one field block at the given depth.
func (p *toonParser) parseField(depth int) (string, any, error) {
	line := p.lines[p.pos]
	name, rest, err := scanName(line.text)
	if err != nil {
		return "", nil, fmt.Errorf("toon: %v in line %q", err, line.raw)
	}

	switch {
	case strings.HasPrefix(rest, "{"):
		p.pos++
		v, err := p.parseObjectBody(rest, depth)
		return name, v, err

	case strings.HasPrefix(rest, "["):
		// name[N]{fields}:  or  name[N]:
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, fmt.Errorf("toon: missing ']' in line %q", line.raw)
		}
		n, err := strconv.Atoi(rest[1:close])
		if err != nil || n < 0 {
			return "", nil, fmt.Errorf("toon: bad array length in line %q", line.raw)
		}
		tail := rest[close+1:]
		p.pos++
		if strings.HasPrefix(tail, "{") {
			v, err := p.parseTable(tail, n, depth)
			return name, v, err
		}
		if tail != ":" {
			return "", nil, fmt.Errorf("toon: malformed array header %q", line.raw)
		}
		v, err := p.parseElements(n, depth)
		return name, v, err

	case strings.HasPrefix(rest, ":"):
		p.pos++
		v, err := parseInlineValue(strings.TrimSpace(rest[1:]))
		return name, v, err

	default:
		return "", nil, fmt.Errorf("toon: malformed field %q", line.raw)
	}
}

// parseObjectBody handles `{f1,f2}: v1, v2` plus nested fields below.
func (p *toonParser) parseObjectBody(rest string, depth int) (any, error) {
	close, err := findUnquoted(rest, '}')
	if err != nil {
		return nil, err
	}
	fieldSpec := rest[1:close]
	after := rest[close+1:]
	if !strings.HasPrefix(after, ":") {
		return nil, fmt.Errorf("toon: expected ':' after field list in %q", rest)
	}
	valueSpec := strings.TrimSpace(after[1:])

	obj := map[string]any{}

	fields, err := splitTopLevel(fieldSpec)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		values, err := splitTopLevel(valueSpec)
		if err != nil {
			return nil, err
		}
		if len(values) != len(fields) {
			return nil, fmt.Errorf("toon: %d fields but %d values in %q", len(fields), len(values), rest)
		}
		for i, f := range fields {
			key, err := parseName(strings.TrimSpace(f))
			if err != nil {
				return nil, err
			}
			v, err := parseInlineValue(strings.TrimSpace(values[i]))
			if err != nil {
				return nil, err
			}
			obj[key] = v
		}
	}

	// Nested complex fields.
	for p.pos < len(p.lines) && p.lines[p.pos].depth > depth {
		if p.lines[p.pos].depth != depth+1 {
			return nil, fmt.Errorf("toon: bad indent at %q", p.lines[p.pos].raw)
		}
		name, v, err := p.parseField(depth + 1)
		if err != nil {
			return nil, err
		}
		obj[name] = v
	}
	return obj, nil
}

// parseTable handles `[N]{f1,f2}:` headers followed by N positional rows.
func (p *toonParser) parseTable(tail string, n int, depth int) (any, error) {
	close, err := findUnquoted(tail, '}')
	if err != nil {
		return nil, err
	}
	fieldSpec := tail[1:close]
	if tail[close+1:] != ":" {
		return nil, fmt.Errorf("toon: expected ':' after table fields in %q", tail)
	}
	rawFields, err := splitTopLevel(fieldSpec)
	if err != nil {
		return nil, err
	}
	fields := make([]string, len(rawFields))
	for i, f := range rawFields {
		if fields[i], err = parseName(strings.TrimSpace(f)); err != nil {
			return nil, err
		}
	}

	arr := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if p.pos >= len(p.lines) || p.lines[p.pos].depth != depth+1 {
			return nil, fmt.Errorf("toon: expected %d table rows, got %d", n, i)
		}
		cells, err := splitTopLevel(p.lines[p.pos].text)
		if err != nil {
			return nil, err
		}
		if len(cells) != len(fields) {
			return nil, fmt.Errorf("toon: row %q has %d cells, want %d", p.lines[p.pos].raw, len(cells), len(fields))
		}
		row := map[string]any{}
		for j, c := range cells {
			v, err := parseInlineValue(strings.TrimSpace(c))
			if err != nil {
				return nil, err
			}
			row[fields[j]] = v
		}
		arr = append(arr, row)
		p.pos++
	}
	return arr, nil
}

// parseElements handles `name[N]:` arrays: N blocks named by index.
func (p *toonParser) parseElements(n int, depth int) (any, error) {
	arr := make([]any, n)
	for i := 0; i < n; i++ {
		if p.pos >= len(p.lines) || p.lines[p.pos].depth != depth+1 {
			return nil, fmt.Errorf("toon: expected %d array elements, got %d", n, i)
		}
		name, v, err := p.parseField(depth + 1)
		if err != nil {
			return nil, err
		}
		idx, err := strconv.Atoi(name)
		if err != nil || idx < 0 || idx >= n {
			return nil, fmt.Errorf("toon: bad element index %q", name)
		}
		arr[idx] = v
	}
	return arr, nil
}

// scanName reads a (possibly quoted) block name, returning the remainder,
// which starts at '{', '[', or ':'.
func scanName(s string) (string, string, error) {
	if strings.HasPrefix(s, `"`) {
		name, rest, err := scanQuoted(s)
		if err != nil {
			return "", "", err
		}
		return name, rest, nil
	}
	i := strings.IndexAny(s, "{[:")
	if i < 0 {
		return "", "", fmt.Errorf("no field delimiter")
	}
	return s[:i], s[i:], nil
}

func parseName(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		name, rest, err := scanQuoted(s)
		if err != nil {
			return "", err
		}
		if rest != "" {
			return "", fmt.Errorf("trailing data after quoted name %q", s)
		}
		return name, nil
	}
	return s, nil
}

// scanQuoted consumes a leading quoted string, handling escapes.
func scanQuoted(s string) (string, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return "", "", fmt.Errorf("dangling escape in %q", s)
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return "", "", fmt.Errorf("bad escape \\%c in %q", s[i], s)
			}
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("unterminated string in %q", s)
}

// parseInlineValue parses a scalar or inline array.
func parseInlineValue(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("toon: empty value")
	}
	switch {
	case s == "null":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case strings.HasPrefix(s, `"`):
		v, rest, err := scanQuoted(s)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(rest) != "" {
			return nil, fmt.Errorf("toon: trailing data after string %q", s)
		}
		return v, nil
	case strings.HasPrefix(s, "["):
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("toon: unterminated array %q", s)
		}
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return []any{}, nil
		}
		parts, err := splitTopLevel(inner)
		if err != nil {
			return nil, err
		}
		arr := make([]any, len(parts))
		for i, part := range parts {
			v, err := parseInlineValue(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	default:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil // unquoted string
	}
}

// splitTopLevel splits on commas outside quotes and brackets.
func splitTopLevel(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var parts []string
	var b strings.Builder
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
			b.WriteByte(c)
		case c == '[':
			depth++
			b.WriteByte(c)
		case c == ']':
			depth--
			b.WriteByte(c)
		case c == ',' && depth == 0:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	if inQuote || depth != 0 {
		return nil, fmt.Errorf("toon: unbalanced quoting in %q", s)
	}
	parts = append(parts, b.String())
	return parts, nil
}

// findUnquoted locates the first occurrence of ch outside quotes.
func findUnquoted(s string, ch byte) (int, error) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == ch:
			return i, nil
		}
	}
	return 0, fmt.Errorf("toon: missing %q in %q", string(ch), s)
}
