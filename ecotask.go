// Package ecotask generates weekly environmental tasks and validates proof
// that they were carried out, by holding short conversations between LLM
// personas.
package ecotask

import (
	"net/http"

	"github.com/chriskillpack/ecotask/chat"
	"github.com/chriskillpack/ecotask/internal/llama"
	"github.com/chriskillpack/ecotask/internal/openai"
)

type InitOptions struct {
	LlamaServer string
	LlamaSeed   int
	LlamaStream bool

	OpenAI            bool
	OpenAIKey         string
	OpenAIBaseURL     string
	RequestsPerMinute int
	MaxRetries        int

	HttpClient *http.Client // if nil uses http.DefaultClient
}

type Ecotask struct {
	chat.Completer
}

// Init selects the model backend. Exactly one backend must be chosen.
func Init(eio InitOptions) (*Ecotask, error) {
	e := &Ecotask{}

	httpClient := eio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var n int
	if eio.OpenAI {
		n++
	}
	if eio.LlamaServer != "" {
		n++
	}
	switch n {
	case 0:
		return nil, ErrNoBackend
	case 1:
		// no-op
	default:
		return nil, ErrMultipleBackends
	}

	if eio.OpenAI {
		e.Completer = openai.Init(openai.Options{
			APIKey:            eio.OpenAIKey,
			BaseURL:           eio.OpenAIBaseURL,
			RequestsPerMinute: eio.RequestsPerMinute,
			MaxRetries:        eio.MaxRetries,
			HttpClient:        httpClient,
		})
	} else {
		e.Completer = llama.Init(eio.LlamaServer, eio.LlamaSeed, eio.LlamaStream, httpClient)
	}

	return e, nil
}
