package domain

import "math"

// BillingTokens converts raw LLM token usage into billing tokens at the
// configured ratio. Partial tokens always round up so usage is never
// undercounted.
func BillingTokens(llmTokens, ratio int64) int64 {
	if llmTokens <= 0 {
		return 0
	}
	if ratio <= 0 {
		ratio = 1
	}
	return (llmTokens + ratio - 1) / ratio
}

// EstimateWithSafety inflates an estimate by the safety factor, rounding up.
// Used when reserving ahead of an operation whose exact cost is unknown.
func EstimateWithSafety(tokens int64, factor float64) int64 {
	if tokens <= 0 {
		return 0
	}
	if factor <= 1 {
		return tokens
	}
	return int64(math.Ceil(float64(tokens) * factor))
}
