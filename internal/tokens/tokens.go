// Package tokens provides the HUD's token cost model.
//
// The estimator is deliberately model-independent: budgets are planning
// numbers, not billing numbers, and a chars/4 heuristic keeps every budget
// constant stable across model swaps. It is called dozens of times per HUD
// build, so it must stay allocation-free for the string case.
package tokens

import "encoding/json"

// Estimate returns the approximate token count of a string: len/4 + 1,
// and 0 for the empty string.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// EstimateValue estimates a structured value by the token count of its
// canonical JSON rendering. Unmarshalable values count as 0.
func EstimateValue(v any) int {
	if v == nil {
		return 0
	}
	if s, ok := v.(string); ok {
		return Estimate(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return Estimate(string(data))
}
