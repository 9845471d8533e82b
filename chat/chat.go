// Package chat defines the role-tagged message model shared by every LLM
// backend and the Completer interface they implement.
package chat

import (
	"context"
	"encoding/base64"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is inline image data attached to a message.
type Image struct {
	Data     []byte
	MIMEType string // e.g. "image/jpeg"
}

// DataURL returns the image encoded as a base64 data URL.
func (im Image) DataURL() string {
	mt := im.MIMEType
	if mt == "" {
		mt = "image/jpeg"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(im.Data)
}

type Message struct {
	Role Role
	Name string // speaker name, optional
	Text string

	Images []Image
}

// Request is a single chat completion request.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int // 0 leaves the backend default
}

// Completer generates the next message for a conversation using a specific
// LLM backend.
type Completer interface {
	// Name returns the name of the backend, e.g. "openai" or "llama"
	Name() string

	// Complete returns the text of the generated reply. The provided ctx is
	// used as the parent context for the request to the LLM server.
	Complete(ctx context.Context, req Request) (string, error)

	// IsHealthy returns whether the LLM server is healthy.
	IsHealthy(ctx context.Context) bool
}

// CompleterFunc adapts a function to the Completer interface. Handy in tests.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Name() string { return "func" }
func (f CompleterFunc) IsHealthy(ctx context.Context) bool { return true }
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Text: text} }
func UserMessage(text string) Message { return Message{Role: RoleUser, Text: text} }
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Text: text} }
