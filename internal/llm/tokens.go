package llm

// EstimateTokens approximates the token count of a text. The real tokenizer
// lives server-side; one token per ~4 characters is close enough for budget
// decisions on English prose.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// CheckInputs rejects any text whose estimated token count exceeds the
// provider's embedding limit, before a single request is made.
func CheckInputs(texts []string, maxTokens int) error {
	for i, t := range texts {
		if n := EstimateTokens(t); n > maxTokens {
			return &ConfigError{Index: i, Tokens: n, Limit: maxTokens}
		}
	}
	return nil
}
