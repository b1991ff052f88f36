package llm

import "fmt"

// Kind separates provider failures worth retrying from those that are not.
type Kind int

const (
	// Transient covers rate limits, timeouts, and provider-side errors.
	Transient Kind = iota
	// Fatal covers rejected requests: bad auth, malformed input, unknown model.
	Fatal
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// ProviderError is a failed call to the LLM provider. Context cancellation is
// never wrapped in one; it surfaces as ctx.Err() directly.
type ProviderError struct {
	Kind    Kind
	Status  int // HTTP status, 0 for network-level failures
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider: %s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("provider: %s (status %d, %s)", e.Message, e.Status, e.Kind)
}

// Classify maps an HTTP status to a retry class: 429, 408, and 5xx are
// transient; everything else the provider rejected outright.
func Classify(status int) Kind {
	switch {
	case status == 429 || status == 408:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Fatal
	}
}

// ConfigError reports input the provider would reject by construction, like a
// text over the embedding token limit. Caught before any network call.
type ConfigError struct {
	Index  int
	Tokens int
	Limit  int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("llm: input %d is ~%d tokens, over the %d token limit", e.Index, e.Tokens, e.Limit)
}
