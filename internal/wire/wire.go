// Package wire renders HUD documents for the LLM and parses agent replies.
//
// Three formats are supported: verbose JSON (pretty-printed), abbreviated
// JSON (compact, with a fixed reversible short-key dictionary), and TOON, a
// positional schema-first notation that trades readability for tokens.
package wire

import (
	"encoding/json"
	"fmt"
)

// Format selects a wire rendering.
type Format string

const (
	FormatVerbose Format = "verbose"
	FormatAbbrev  Format = "abbrev"
	FormatTOON    Format = "toon"
)

// ParseFormat validates a config string, defaulting to verbose.
func ParseFormat(s string) Format {
	switch Format(s) {
	case FormatAbbrev, FormatTOON:
		return Format(s)
	default:
		return FormatVerbose
	}
}

// Marshal renders a document in the given format.
func Marshal(v any, f Format) (string, error) {
	switch f {
	case FormatAbbrev:
		data, err := json.Marshal(Abbreviate(v))
		if err != nil {
			return "", fmt.Errorf("wire: marshal abbrev: %w", err)
		}
		return string(data), nil
	case FormatTOON:
		return EncodeTOON(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("wire: marshal verbose: %w", err)
		}
		return string(data), nil
	}
}

// Unmarshal parses a document in the given format back into generic values.
// Used by round-trip tests and by the reply parser.
func Unmarshal(text string, f Format) (any, error) {
	switch f {
	case FormatAbbrev:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("wire: unmarshal abbrev: %w", err)
		}
		return Expand(v), nil
	case FormatTOON:
		return DecodeTOON(text)
	default:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("wire: unmarshal verbose: %w", err)
		}
		return v, nil
	}
}
