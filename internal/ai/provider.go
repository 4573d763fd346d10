package ai

import "context"

// Message is one turn of conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider streams assistant content deltas for a conversation.
//
// StreamChat returns immediately with two channels; both are closed when
// streaming ends. At most one error is sent. An error after some deltas
// means the stream failed mid-generation; the deltas already delivered are
// valid partial output.
type Provider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
