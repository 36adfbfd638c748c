package wire

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// TOON (Token-Oriented Object Notation) encoder.
//
// Shapes produced, with two-space indentation:
//
//	name{f1,f2}: v1, v2          object; scalar fields inline in the header
//	name[3]{f1,f2}:              array of homogeneous flat objects,
//	  v1, v2                     one positional row per element
//	name[2]:                     array of arbitrary elements,
//	  0: v                       one block per element, named by index
//	  1{f}: v
//	name: [v1, v2, [v3]]         arrays of scalars stay inline
//
// Strings are unquoted unless they contain structural characters or a
// newline, are a reserved word, or would parse as a number.

// EncodeTOON renders a value as a TOON document. Top-level objects shed
// their wrapper: each key becomes a root-level block.
func EncodeTOON(v any) (string, error) {
	var b strings.Builder
	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(node) {
			if err := encodeField(&b, k, node[k], 0); err != nil {
				return "", err
			}
		}
	default:
		s, err := encodeInline(v)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// encodeField emits one named field at the given depth.
func encodeField(b *strings.Builder, name string, v any, depth int) error {
	switch node := v.(type) {
	case map[string]any:
		return encodeObject(b, name, node, depth)
	case []any:
		if isInlineArray(node) {
			return encodeScalarField(b, name, node, depth)
		}
		return encodeArray(b, name, node, depth)
	default:
		return encodeScalarField(b, name, v, depth)
	}
}

// encodeScalarField emits `name: value` for scalars and inline arrays.
func encodeScalarField(b *strings.Builder, name string, v any, depth int) error {
	s, err := encodeInline(v)
	if err != nil {
		return err
	}
	writeIndent(b, depth)
	b.WriteString(encodeName(name))
	b.WriteString(": ")
	b.WriteString(s)
	b.WriteByte('\n')
	return nil
}

func encodeObject(b *strings.Builder, name string, m map[string]any, depth int) error {
	var inline, nested []string
	for _, k := range sortedKeys(m) {
		if isInlineValue(m[k]) {
			inline = append(inline, k)
		} else {
			nested = append(nested, k)
		}
	}

	writeIndent(b, depth)
	b.WriteString(encodeName(name))
	b.WriteByte('{')
	for i, k := range inline {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(encodeName(k))
	}
	b.WriteString("}:")
	for i, k := range inline {
		s, err := encodeInline(m[k])
		if err != nil {
			return err
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte(' ')
		b.WriteString(s)
	}
	b.WriteByte('\n')

	for _, k := range nested {
		if err := encodeField(b, k, m[k], depth+1); err != nil {
			return err
		}
	}
	return nil
}

func encodeArray(b *strings.Builder, name string, arr []any, depth int) error {
	if fields, ok := tabularFields(arr); ok {
		writeIndent(b, depth)
		b.WriteString(encodeName(name))
		fmt.Fprintf(b, "[%d]{", len(arr))
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(encodeName(f))
		}
		b.WriteString("}:\n")
		for _, el := range arr {
			row := el.(map[string]any)
			writeIndent(b, depth+1)
			for i, f := range fields {
				s, err := encodeInline(row[f])
				if err != nil {
					return err
				}
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(s)
			}
			b.WriteByte('\n')
		}
		return nil
	}

	writeIndent(b, depth)
	fmt.Fprintf(b, "%s[%d]:\n", encodeName(name), len(arr))
	for i, el := range arr {
		if err := encodeField(b, strconv.Itoa(i), el, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// tabularFields reports whether every element is a flat object over the same
// key set with inline-able values, returning the shared field order.
func tabularFields(arr []any) ([]string, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	var fields []string
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		keys := sortedKeys(m)
		for _, k := range keys {
			if !isInlineValue(m[k]) {
				return nil, false
			}
		}
		if i == 0 {
			fields = keys
			continue
		}
		if len(keys) != len(fields) {
			return nil, false
		}
		for j := range keys {
			if keys[j] != fields[j] {
				return nil, false
			}
		}
	}
	return fields, true
}

// isInlineValue reports whether a value can appear on a single line.
func isInlineValue(v any) bool {
	switch node := v.(type) {
	case map[string]any:
		return false
	case []any:
		return isInlineArray(node)
	default:
		return true
	}
}

func isInlineArray(arr []any) bool {
	for _, el := range arr {
		if !isInlineValue(el) {
			return false
		}
	}
	return true
}

func encodeInline(v any) (string, error) {
	switch node := v.(type) {
	case nil:
		return "null", nil
	case bool:
		if node {
			return "true", nil
		}
		return "false", nil
	case string:
		return encodeString(node), nil
	case float64:
		return formatNumber(node), nil
	case float32:
		return formatNumber(float64(node)), nil
	case int:
		return strconv.Itoa(node), nil
	case int64:
		return strconv.FormatInt(node, 10), nil
	case []any:
		parts := make([]string, 0, len(node))
		for _, el := range node {
			s, err := encodeInline(el)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("toon: unsupported value type %T", v)
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeName quotes a field or block name under the same rules as strings;
// knowledge keys can contain anything.
func encodeName(name string) string {
	return encodeString(name)
}

func encodeString(s string) string {
	if !needsQuoting(s) {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(s string) bool {
	if s == "" || s == "true" || s == "false" || s == "null" {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	if strings.ContainsAny(s, ",{}:[]\"\\\n\r\t") {
		return true
	}
	// Leading/trailing spaces would be eaten by the row splitter.
	if strings.TrimSpace(s) != s {
		return true
	}
	return false
}

func writeIndent(b *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		b.WriteString("  ")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
