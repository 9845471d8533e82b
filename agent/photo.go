package agent

import (
	"context"
	"fmt"

	"github.com/chriskillpack/ecotask/chat"
	"github.com/chriskillpack/ecotask/describer"
)

const photoPrompt = "Describe the environmental activity in this image."

type photoDescriber struct {
	p Persona
	c chat.Completer
}

var _ describer.Describer = &photoDescriber{}

// NewPhotoDescriber returns a Describer that sends the photo to the persona's
// model in a single user turn.
func NewPhotoDescriber(p Persona, c chat.Completer) describer.Describer {
	return &photoDescriber{p: p, c: c}
}

func (pd *photoDescriber) Name() string { return pd.p.Name }

func (pd *photoDescriber) Model() string { return pd.p.Model }

func (pd *photoDescriber) DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("describe image: no image data")
	}

	return pd.c.Complete(ctx, chat.Request{
		Model: pd.p.Model,
		Messages: []chat.Message{
			{
				Role:   chat.RoleUser,
				Text:   photoPrompt,
				Images: []chat.Image{{Data: image, MIMEType: mimeType}},
			},
		},
		MaxTokens: pd.p.MaxTokens,
	})
}
