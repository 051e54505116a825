// Package tokenutil estimates prompt sizes without a model tokenizer.
package tokenutil

import "strings"

// EstimateTokens guesses the token count of content as the larger of
// words*1.33 and bytes/4. The byte floor keeps code and CJK text from being
// undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * 1.33)
	byBytes := len(content) / 4
	return max(byWords, byBytes)
}

// NewestWithin returns the index of the oldest entry of texts that still
// fits in budget when entries are taken newest first. texts is ordered
// oldest first. The newest entry is always kept, even if it alone exceeds
// the budget. A non-positive budget keeps everything.
func NewestWithin(texts []string, budget int) int {
	if budget <= 0 || len(texts) == 0 {
		return 0
	}
	used := 0
	for i := len(texts) - 1; i >= 0; i-- {
		used += EstimateTokens(texts[i])
		if used > budget && i < len(texts)-1 {
			return i + 1
		}
	}
	return 0
}
