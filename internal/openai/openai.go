package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chriskillpack/ecotask/chat"
	"golang.org/x/time/rate"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type Options struct {
	APIKey  string // if empty the client falls back to $OPENAI_API_KEY
	BaseURL string // if empty uses the public API

	// Requests allowed per minute, 0 disables rate limiting.
	RequestsPerMinute int

	// MaxRetries < 0 keeps the SDK default.
	MaxRetries int

	HttpClient *http.Client
}

type openai struct {
	oac    *oagc.Client
	rl     *rate.Limiter // For requests to the OpenAI API
	hasKey bool
}

var _ chat.Completer = &openai{}

func Init(opts Options) *openai {
	var ropts []option.RequestOption
	if opts.HttpClient != nil {
		ropts = append(ropts, option.WithHTTPClient(opts.HttpClient))
	}
	if opts.APIKey != "" {
		ropts = append(ropts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries >= 0 {
		ropts = append(ropts, option.WithMaxRetries(opts.MaxRetries))
	}

	o := &openai{
		oac:    oagc.NewClient(ropts...),
		hasKey: opts.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "",
	}
	if opts.RequestsPerMinute > 0 {
		o.rl = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute)
	}
	return o
}

func (o *openai) Name() string { return "openai" }

func (o *openai) IsHealthy(ctx context.Context) bool {
	// TODO: probe the models endpoint once we have a cheap way to do so
	return o.hasKey
}

func (o *openai) Complete(ctx context.Context, req chat.Request) (string, error) {
	// Rate limit use of the OpenAI API
	if o.rl != nil {
		if err := o.rl.Wait(ctx); err != nil {
			return "", err
		}
	}

	params := oagc.ChatCompletionNewParams{
		Messages: oagc.F(toMessageParams(req.Messages)),
		Model:    oagc.F(oagc.ChatModel(req.Model)),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oagc.Int(int64(req.MaxTokens))
	}

	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion %q", resp.ID)
	}

	return resp.Choices[0].Message.Content, nil
}

func toMessageParams(msgs []chat.Message) []oagc.ChatCompletionMessageParamUnion {
	params := make([]oagc.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			params = append(params, oagc.SystemMessage(m.Text))
		case chat.RoleAssistant:
			msg := oagc.AssistantMessage(m.Text)
			if m.Name != "" {
				msg.Name = oagc.F(m.Name)
			}
			params = append(params, msg)
		default:
			parts := []oagc.ChatCompletionContentPartUnionParam{oagc.TextPart(m.Text)}
			for _, im := range m.Images {
				parts = append(parts, oagc.ImagePart(im.DataURL()))
			}
			msg := oagc.UserMessageParts(parts...)
			if m.Name != "" {
				msg.Name = oagc.F(m.Name)
			}
			params = append(params, msg)
		}
	}
	return params
}
