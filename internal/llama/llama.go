package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/ecotask/chat"
)

const (
	promptPreamble = `This is a conversation between User and Llama, a friendly chatbot. Llama is helpful, kind, honest, good at writing, and never fails to answer any requests immediately and with precision.`

	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.`
)

// Speaker tags for the two prompt styles. Plain text conversations use the
// chatbot style, conversations carrying images use the llava style.
var (
	textTags  = tags{user: "User:", assistant: "Llama:"}
	imageTags = tags{user: "USER:", assistant: "ASSISTANT:"}
)

type tags struct {
	user, assistant string
}

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_predict":         400,
	"n_probs":           0,
	"temperature":       0.7,
	"stop":              []string{"</s>", "Llama:", "User:", "USER:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	srvAddr string
	seed    int
	stream  bool

	client *http.Client
}

var _ chat.Completer = &llama{}

func Init(srvAddr string, seed int, stream bool, httpClient *http.Client) *llama {
	return &llama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		seed:    seed,
		stream:  stream,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

func (l *llama) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.srvAddr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Complete renders the conversation into a single prompt. The model
// identifier is ignored, a llama server serves whichever model it was
// started with.
func (l *llama) Complete(ctx context.Context, req chat.Request) (string, error) {
	prompt, images := renderPrompt(req.Messages)

	keys := jsonmap{}
	if len(images) > 0 {
		keys["image_data"] = images
	}
	if req.MaxTokens > 0 {
		keys["n_predict"] = req.MaxTokens
	}
	return l.sendRequest(ctx, prompt, l.stream, keys)
}

// renderPrompt flattens role-tagged messages into the llama.cpp prompt
// format. Every attached image is referenced in the prompt as [img-N] and
// returned as image_data.
func renderPrompt(msgs []chat.Message) (string, []jsonmap) {
	var images []jsonmap
	system := ""
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			system = m.Text
		}
		for _, im := range m.Images {
			images = append(images, jsonmap{
				"data": base64.StdEncoding.EncodeToString(im.Data),
				"id":   10 + len(images),
			})
		}
	}

	tg, preamble := textTags, promptPreamble
	if len(images) > 0 {
		tg, preamble = imageTags, imagePreamble
	}
	if system != "" {
		preamble = system
	}

	sb := strings.Builder{}
	sb.WriteString(preamble)
	sb.WriteString("\n")

	imgID := 10
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			continue
		case chat.RoleAssistant:
			sb.WriteString("\n" + tg.assistant + " " + m.Text)
		default:
			sb.WriteString("\n" + tg.user + " ")
			for range m.Images {
				fmt.Fprintf(&sb, "[img-%d]", imgID)
				imgID++
			}
			sb.WriteString(m.Text)
		}
	}
	sb.WriteString("\n" + tg.assistant)

	return sb.String(), images
}

func (l *llama) sendRequest(ctx context.Context, prompt string, stream bool, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = l.seed

	buf := bytes.NewBuffer(make([]byte, 0, 64*1024)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", err
	}
	br := bytes.NewReader(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", br)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for !respbody.Stop {
		// Read in one line
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("response ended before stop")
		}
		line := lr.Text()
		// The empty line appears after a JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", fmt.Errorf("missing `data: ` prefix")
			}
		}

		dec := json.NewDecoder(bytes.NewBufferString(line))
		if err := dec.Decode(&respbody); err != nil {
			return "", err
		}
		content.WriteString(respbody.Content)
	}

	return strings.TrimLeft(content.String(), " "), nil
}
