package domain

// Role identifies the speaker of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used for both
// transcript turns and LLM prompts.
type ChatMessage struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// GenerateRequest is everything the text-generation collaborator needs for a
// single completion.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Turns        []ChatMessage
	MaxTokens    int
	Temperature  float64
}

// Messages flattens the request into the prompt sent upstream: the system
// prompt first, then the context turns in order.
func (r GenerateRequest) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(r.Turns)+1)
	if r.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: r.SystemPrompt})
	}
	return append(out, r.Turns...)
}

// Envelope is the sole wire payload carried on both queues.
type Envelope struct {
	Message string `json:"message"`
}
