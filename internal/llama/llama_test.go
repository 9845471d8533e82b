package llama

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chriskillpack/ecotask/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	t.Run("text conversation", func(t *testing.T) {
		prompt, images := renderPrompt([]chat.Message{
			chat.SystemMessage("You rate tasks."),
			chat.UserMessage("Plant a tree"),
			chat.AssistantMessage("Estimated value: €5.00"),
			chat.UserMessage("Thanks"),
		})
		assert.Empty(t, images)
		assert.Equal(t, "You rate tasks.\n\nUser: Plant a tree\nLlama: Estimated value: €5.00\nUser: Thanks\nLlama:", prompt)
	})

	t.Run("image conversation", func(t *testing.T) {
		prompt, images := renderPrompt([]chat.Message{{
			Role:   chat.RoleUser,
			Text:   "Describe this.",
			Images: []chat.Image{{Data: []byte("abc")}, {Data: []byte("def")}},
		}})
		assert.Equal(t, imagePreamble+"\n\nUSER: [img-10][img-11]Describe this.\nASSISTANT:", prompt)
		require.Len(t, images, 2)
		assert.Equal(t, "YWJj", images[0]["data"])
		assert.Equal(t, 10, images[0]["id"])
		assert.Equal(t, 11, images[1]["id"])
	})

	t.Run("no system message", func(t *testing.T) {
		prompt, _ := renderPrompt([]chat.Message{chat.UserMessage("hi")})
		assert.Equal(t, promptPreamble+"\n\nUser: hi\nLlama:", prompt)
	})
}

func TestComplete(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/completion" {
			http.NotFound(w, req)
			return
		}
		if err := json.NewDecoder(req.Body).Decode(&sent); err != nil {
			t.Errorf("decoding request: %s", err)
		}
		if sent["stream"] == true {
			io.WriteString(w, "data: {\"content\":\" Plant\",\"stop\":false}\n\n")
			io.WriteString(w, "data: {\"content\":\" a tree\",\"stop\":true}\n\n")
			return
		}
		io.WriteString(w, `{"content":" Plant a tree","stop":true}`+"\n")
	}))
	defer srv.Close()

	for _, stream := range []bool{false, true} {
		l := Init(srv.URL+"/", 42, stream, srv.Client())
		text, err := l.Complete(t.Context(), chat.Request{
			Messages:  []chat.Message{chat.UserMessage("Generate a task")},
			MaxTokens: 120,
		})
		require.NoError(t, err)
		assert.Equal(t, "Plant a tree", text)
		assert.EqualValues(t, 42, sent["seed"])
		assert.EqualValues(t, 120, sent["n_predict"])
		assert.Equal(t, stream, sent["stream"])
		assert.NotContains(t, sent, "image_data")
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := Init(srv.URL, 1, false, srv.Client())
	_, err := l.Complete(t.Context(), chat.Request{Messages: []chat.Message{chat.UserMessage("hi")}})
	assert.ErrorContains(t, err, "503")
	assert.False(t, l.IsHealthy(t.Context()))
}
