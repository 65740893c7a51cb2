package stream

// EstimateTokens estimates the token count of generated text with a
// unicode-aware heuristic: ~4 ASCII characters per token, ~1 token per
// non-ASCII character (CJK, emoji). Good enough for the stream-end
// summary; exact counts would need the model's tokenizer.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
