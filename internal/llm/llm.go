// Package llm calls the hosted generative model used for chat replies and
// sketches.
package llm

import "context"

// Conversation roles understood by the model.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role string
	Text string
}

// Citation is a grounding source returned with a reply.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Reply is a generated text answer.
type Reply struct {
	Text       string
	Citations  []Citation
	TokenCount int
}

// Image is a generated image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Generator produces model output. Every call is bounded by the client's
// timeout and is never retried.
type Generator interface {
	Generate(ctx context.Context, systemInstruction string, turns []Turn) (*Reply, error)
	GenerateImage(ctx context.Context, prompt string) (*Image, error)
}
