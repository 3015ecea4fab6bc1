package ai

import (
	"context"
	"time"
)

// Message is one chat turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EvidenceLine is one evidence row as shown to the advisor.
type EvidenceLine struct {
	Severity  string
	Content   string
	Timestamp time.Time
}

// CheckContext describes the check the user is asking about.
type CheckContext struct {
	ProjectName   string
	CheckType     string
	Status        string
	Result        *bool
	Details       string
	Evidence      []EvidenceLine
	EvidenceTotal int
}

// AdviceRequest is one question plus the conversation so far.
type AdviceRequest struct {
	Check    CheckContext
	History  []Message
	Question string
}

// Client port for the compliance advisor model
type Client interface {
	Advise(ctx context.Context, req AdviceRequest) (string, error)
}
