package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/chriskillpack/ecotask/chat"
)

const selectorTemplate = `You are in a role play game. The following roles are available:
%s

Read the following conversation.
Then select the next role from [%s] to play. Only return the role.`

// selectSpeaker asks the selector model for the next speaker. Answers that
// don't name exactly one eligible participant fall back to fallback.
func selectSpeaker(ctx context.Context, c chat.Completer, cfg Config, speakers []int, transcript Transcript, fallback int) (int, error) {
	var roles, names []string
	for _, i := range speakers {
		p := cfg.Participants[i]
		roles = append(roles, fmt.Sprintf("%s: %s", p.Name, firstSentence(p.Instruction)))
		names = append(names, p.Name)
	}

	msgs := []chat.Message{
		chat.SystemMessage(fmt.Sprintf(selectorTemplate, strings.Join(roles, "\n"), strings.Join(names, ", "))),
	}
	for _, t := range transcript {
		msgs = append(msgs, chat.Message{Role: chat.RoleUser, Name: t.Speaker, Text: t.Text})
	}
	msgs = append(msgs, chat.UserMessage(
		fmt.Sprintf("Read the above conversation. Then select the next role from [%s] to play. Only return the role.", strings.Join(names, ", "))))

	answer, err := c.Complete(ctx, chat.Request{Model: cfg.SelectorModel, Messages: msgs})
	if err != nil {
		return 0, fmt.Errorf("selecting speaker: %w", err)
	}

	if idx, ok := matchSpeaker(cfg, speakers, answer); ok {
		return idx, nil
	}
	return fallback, nil
}

// matchSpeaker maps the selector's answer onto a participant. An exact match
// wins, otherwise the answer must mention exactly one participant name.
func matchSpeaker(cfg Config, speakers []int, answer string) (int, bool) {
	answer = strings.Trim(strings.TrimSpace(answer), "\"'`.")
	for _, i := range speakers {
		if strings.EqualFold(cfg.Participants[i].Name, answer) {
			return i, true
		}
	}

	lower := strings.ToLower(answer)
	found, n := 0, 0
	for _, i := range speakers {
		if strings.Contains(lower, strings.ToLower(cfg.Participants[i].Name)) {
			found = i
			n++
		}
	}
	return found, n == 1
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		return strings.TrimSpace(s[:i+1])
	}
	return s
}
