package llm

// SamplingParams contains model inference parameters for one generation call.
type SamplingParams struct {
	Temperature       float64 `json:"temperature"`        // Creativity (0.0-2.0)
	TopP              float64 `json:"top_p"`              // Nucleus sampling threshold
	TopK              int     `json:"top_k"`              // Top-k sampling
	RepetitionPenalty float64 `json:"repetition_penalty"` // Penalty for repeating tokens
	MaxTokens         int     `json:"max_tokens"`         // Max tokens to generate
	Seed              int     `json:"seed"`               // Random seed for reproducibility
}
