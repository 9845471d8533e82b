// Package conversation runs short multi-persona conversations against a chat
// backend and records the resulting transcript.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chriskillpack/ecotask/agent"
	"github.com/chriskillpack/ecotask/chat"
)

// SpeakerPolicy decides who speaks after each turn.
type SpeakerPolicy int

const (
	// Auto asks the selector model to pick the next speaker.
	Auto SpeakerPolicy = iota
	// RoundRobin cycles through participants in order.
	RoundRobin
)

func (sp SpeakerPolicy) String() string {
	switch sp {
	case Auto:
		return "auto"
	case RoundRobin:
		return "round_robin"
	}
	return fmt.Sprintf("SpeakerPolicy(%d)", int(sp))
}

// ParseSpeakerPolicy accepts "auto" (or "free") and "round_robin".
func ParseSpeakerPolicy(s string) (SpeakerPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "free", "":
		return Auto, nil
	case "round_robin", "roundrobin", "round-robin":
		return RoundRobin, nil
	}
	return 0, fmt.Errorf("unknown speaker policy %q", s)
}

var (
	ErrNoParticipants = errors.New("conversation has no participants")
	ErrNoSpeakers     = errors.New("conversation has no model-backed participants")
	ErrMaxTurns       = errors.New("conversation needs at least one turn")
)

type Config struct {
	// Participants in speaking order. The first one speaks the seed.
	Participants []agent.Persona

	// MaxTurns is the transcript length, seed included.
	MaxTurns int

	Policy SpeakerPolicy

	// SelectorModel is used by the Auto policy.
	SelectorModel string
}

type Turn struct {
	Speaker string
	Text    string
}

type Transcript []Turn

// Text returns the text of turn i, or "" when i is out of range.
func (t Transcript) Text(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i].Text
}

// Run drives a conversation seeded by the first participant. It returns once
// the transcript holds cfg.MaxTurns turns or a model call fails, in which case
// the partial transcript is returned along with the error.
func Run(ctx context.Context, c chat.Completer, cfg Config, seed string) (Transcript, error) {
	if len(cfg.Participants) == 0 {
		return nil, ErrNoParticipants
	}
	if cfg.MaxTurns < 1 {
		return nil, ErrMaxTurns
	}

	var speakers []int
	for i, p := range cfg.Participants {
		if !p.IsDriver() {
			speakers = append(speakers, i)
		}
	}
	if cfg.MaxTurns > 1 && len(speakers) == 0 {
		return nil, ErrNoSpeakers
	}

	transcript := make(Transcript, 0, cfg.MaxTurns)
	transcript = append(transcript, Turn{Speaker: cfg.Participants[0].Name, Text: seed})

	last := 0
	for len(transcript) < cfg.MaxTurns {
		if err := ctx.Err(); err != nil {
			return transcript, err
		}

		next := nextRoundRobin(speakers, last)
		if cfg.Policy == Auto && len(speakers) > 1 {
			var err error
			next, err = selectSpeaker(ctx, c, cfg, speakers, transcript, next)
			if err != nil {
				return transcript, err
			}
		}

		p := cfg.Participants[next]
		text, err := c.Complete(ctx, chat.Request{
			Model:     p.Model,
			Messages:  buildMessages(p, transcript),
			MaxTokens: p.MaxTokens,
		})
		if err != nil {
			return transcript, fmt.Errorf("%s turn %d: %w", p.Name, len(transcript), err)
		}

		transcript = append(transcript, Turn{Speaker: p.Name, Text: text})
		last = next
	}

	return transcript, nil
}

// nextRoundRobin returns the first speaker index after last, wrapping around.
func nextRoundRobin(speakers []int, last int) int {
	for _, s := range speakers {
		if s > last {
			return s
		}
	}
	return speakers[0]
}

// buildMessages renders the transcript from p's point of view. p's own turns
// become assistant messages, everyone else's are user messages.
func buildMessages(p agent.Persona, transcript Transcript) []chat.Message {
	msgs := make([]chat.Message, 0, len(transcript)+1)
	if p.Instruction != "" {
		msgs = append(msgs, chat.SystemMessage(p.Instruction))
	}
	for _, t := range transcript {
		role := chat.RoleUser
		if t.Speaker == p.Name {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.Message{Role: role, Name: t.Speaker, Text: t.Text})
	}
	return msgs
}
