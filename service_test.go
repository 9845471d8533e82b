package ecotask

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chriskillpack/ecotask/agent"
	"github.com/chriskillpack/ecotask/chat"
	"github.com/chriskillpack/ecotask/conversation"
	"github.com/chriskillpack/ecotask/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough for MIME sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

var testModels = agent.Models{
	TaskCreator: "creator",
	TaskRater:   "rater",
	Validator:   "validator",
	Photo:       "vision",
	Selector:    "selector",
}

// fakeModel answers by model name and records every request.
type fakeModel struct {
	mu       sync.Mutex
	replies  map[string][]string
	fail     map[string]error
	requests []chat.Request
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) IsHealthy(context.Context) bool { return true }

func (f *fakeModel) Complete(_ context.Context, req chat.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if err := f.fail[req.Model]; err != nil {
		return "", err
	}
	q := f.replies[req.Model]
	if len(q) == 0 {
		return "", errors.New("unexpected call to " + req.Model)
	}
	f.replies[req.Model] = q[1:]
	return q[0], nil
}

func (f *fakeModel) requestsFor(model string) []chat.Request {
	var reqs []chat.Request
	for _, r := range f.requests {
		if r.Model == model {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

func newTestService(f *fakeModel, opts ServiceOptions) *Service {
	opts.Personas = agent.NewPersonas(testModels)
	return NewService(f, opts)
}

func TestCreateTask(t *testing.T) {
	t.Run("round robin", func(t *testing.T) {
		f := &fakeModel{replies: map[string][]string{
			"creator": {"Plant a tree"},
			"rater":   {"Estimated value: €12.50\nDescription: rationale"},
		}}
		s := newTestService(f, ServiceOptions{CreatePolicy: conversation.RoundRobin})

		prop, err := s.CreateTask(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "Plant a tree", prop.Description)
		assert.Equal(t, "Estimated value: €12.50", prop.ValueLine)
		assert.Equal(t, "Description: rationale", prop.Rationale)
		assert.Equal(t, 12, prop.Points)
		assert.Empty(t, prop.ID, "no DB, no ID")

		// The rater sees the seed and the creator's task.
		rater := f.requestsFor("rater")
		require.Len(t, rater, 1)
		msgs := rater[0].Messages
		require.Len(t, msgs, 3)
		assert.Equal(t, chat.RoleSystem, msgs[0].Role)
		assert.Contains(t, msgs[0].Text, "Estimated value: €X.XX")
		assert.Equal(t, createTaskSeed, msgs[1].Text)
		assert.Equal(t, "Plant a tree", msgs[2].Text)
	})

	t.Run("auto selection", func(t *testing.T) {
		f := &fakeModel{replies: map[string][]string{
			"selector": {agent.TaskCreatorName, agent.TaskRaterName},
			"creator":  {"Cycle to work every day"},
			"rater":    {"Estimated value: €8.00\nDescription: fewer emissions"},
		}}
		s := newTestService(f, ServiceOptions{CreatePolicy: conversation.Auto})

		prop, err := s.CreateTask(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "Cycle to work every day", prop.Description)
		assert.Equal(t, 8, prop.Points)
		assert.Len(t, f.requestsFor("selector"), 2)
	})

	t.Run("selector skips the creator", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		f := &fakeModel{replies: map[string][]string{
			"selector": {agent.TaskRaterName, agent.TaskRaterName},
			"rater":    {"Estimated value: €9.00\nDescription: first", "Estimated value: €7.00\nDescription: second"},
		}}
		s := newTestService(f, ServiceOptions{CreatePolicy: conversation.Auto, Metrics: metrics.MustNewMetrics(reg)})

		prop, err := s.CreateTask(t.Context())
		assert.Nil(t, prop)
		require.ErrorIs(t, err, ErrMalformedModelOutput)

		var me *MalformedOutputError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "transcript", me.Field)
		assert.Empty(t, f.requestsFor("creator"))

		n, err := testutil.GatherAndCount(reg, "ecotask_model_malformed_output_total")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("stored when DB configured", func(t *testing.T) {
		db := newTestDB(t)
		f := &fakeModel{replies: map[string][]string{
			"creator": {"Plant a tree"},
			"rater":   {"Estimated value: €12.50\nDescription: rationale"},
		}}
		s := newTestService(f, ServiceOptions{CreatePolicy: conversation.RoundRobin, DB: db})

		prop, err := s.CreateTask(t.Context())
		require.NoError(t, err)
		require.NotEmpty(t, prop.ID)

		stored, err := db.GetProposal(t.Context(), prop.ID)
		require.NoError(t, err)
		assert.Equal(t, "Plant a tree", stored.Description)
	})
}

func TestCreateTaskMalformed(t *testing.T) {
	tests := []struct {
		name    string
		creator string
		rater   string
		field   string
	}{
		{"missing euro sign", "Plant a tree", "Estimated value: 12.50\nDescription: rationale", "valuation"},
		{"missing rationale line", "Plant a tree", "Estimated value: €12.50", "rationale"},
		{"empty description", "  \n", "Estimated value: €12.50\nDescription: rationale", "description"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.MustNewMetrics(reg)
			f := &fakeModel{replies: map[string][]string{
				"creator": {tc.creator},
				"rater":   {tc.rater},
			}}
			s := newTestService(f, ServiceOptions{CreatePolicy: conversation.RoundRobin, Metrics: m})

			prop, err := s.CreateTask(t.Context())
			assert.Nil(t, prop)
			require.ErrorIs(t, err, ErrMalformedModelOutput)

			var me *MalformedOutputError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tc.field, me.Field)

			n, err := testutil.GatherAndCount(reg, "ecotask_model_malformed_output_total")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestCreateTaskModelError(t *testing.T) {
	boom := errors.New("rate limited")
	f := &fakeModel{
		replies: map[string][]string{"creator": {"Plant a tree"}},
		fail:    map[string]error{"rater": boom},
	}
	s := newTestService(f, ServiceOptions{CreatePolicy: conversation.RoundRobin})

	_, err := s.CreateTask(t.Context())
	require.ErrorIs(t, err, boom)

	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "create task", me.Op)
	assert.NotErrorIs(t, err, ErrMalformedModelOutput)
}

func TestValidateTask(t *testing.T) {
	t.Run("text proof only", func(t *testing.T) {
		f := &fakeModel{replies: map[string][]string{
			"validator": {"Task completed. The receipts show reusable bags.\n"},
		}}
		s := newTestService(f, ServiceOptions{})

		v, err := s.ValidateTask(t.Context(), ProofSubmission{Task: "Use reusable bags", Proof: "I used my own bags"})
		require.NoError(t, err)
		assert.Equal(t, "Task completed. The receipts show reusable bags.\n", v.Result)
		require.NotNil(t, v.Completed)
		assert.True(t, *v.Completed)
		assert.Equal(t, "I used my own bags", v.Proof)
		assert.Empty(t, f.requestsFor("vision"))

		req := f.requestsFor("validator")
		require.Len(t, req, 1)
		seed := req[0].Messages[len(req[0].Messages)-1]
		assert.Equal(t, chat.RoleUser, seed.Role)
		assert.Equal(t, "Task: Use reusable bags\n\nUser Proof: I used my own bags", seed.Text)
		assert.NotContains(t, seed.Text, "Extracted Media Description")
	})

	t.Run("with photo", func(t *testing.T) {
		desc := "A person planting a sapling.\n\n  Soil on gloves."
		f := &fakeModel{replies: map[string][]string{
			"vision":    {desc},
			"validator": {"Task not completed. The sapling is plastic."},
		}}
		logger, hook := logtest.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		s := newTestService(f, ServiceOptions{Logger: logger})

		v, err := s.ValidateTask(t.Context(), ProofSubmission{
			Task:  "Plant a tree",
			Proof: "Done!",
			Photo: &Photo{Filename: "tree.png", Data: pngHeader},
		})
		require.NoError(t, err)

		var described *logrus.Entry
		for _, e := range hook.AllEntries() {
			if e.Message == "photo described" {
				described = e
			}
		}
		require.NotNil(t, described)
		assert.Equal(t, "tree.png", described.Data["filename"])
		assert.Equal(t, agent.PhotoName, described.Data["describer"])
		assert.Equal(t, "vision", described.Data["model"])
		assert.Equal(t, "Task not completed. The sapling is plastic.", v.Result)
		require.NotNil(t, v.Completed)
		assert.False(t, *v.Completed)
		assert.Equal(t, desc, v.MediaDescription)

		vision := f.requestsFor("vision")
		require.Len(t, vision, 1)
		require.Len(t, vision[0].Messages, 1)
		msg := vision[0].Messages[0]
		assert.Equal(t, chat.RoleUser, msg.Role)
		assert.Equal(t, "Describe the environmental activity in this image.", msg.Text)
		require.Len(t, msg.Images, 1)
		assert.Equal(t, "image/png", msg.Images[0].MIMEType)
		assert.Equal(t, 500, vision[0].MaxTokens)

		seed := f.requestsFor("validator")[0].Messages[1]
		assert.Equal(t, "Task: Plant a tree\n\nUser Proof: Done!\n\nExtracted Media Description:\n"+desc, seed.Text)
	})

	t.Run("stored when DB configured", func(t *testing.T) {
		db := newTestDB(t)
		f := &fakeModel{replies: map[string][]string{"validator": {"Hard to say."}}}
		s := newTestService(f, ServiceOptions{DB: db})

		v, err := s.ValidateTask(t.Context(), ProofSubmission{Task: "Plant a tree", Proof: "trust me"})
		require.NoError(t, err)
		assert.Nil(t, v.Completed)

		stored, err := db.RecentVerdicts(t.Context(), 5)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, v.ID, stored[0].ID)
		assert.Equal(t, "Hard to say.", stored[0].Result)
	})
}

func TestValidateTaskErrors(t *testing.T) {
	f := &fakeModel{
		replies: map[string][]string{},
		fail:    map[string]error{"vision": errors.New("timeout")},
	}
	s := newTestService(f, ServiceOptions{})

	_, err := s.ValidateTask(t.Context(), ProofSubmission{Task: "  "})
	assert.ErrorIs(t, err, ErrMissingTask)

	_, err = s.ValidateTask(t.Context(), ProofSubmission{Task: "x", Photo: &Photo{}})
	assert.ErrorIs(t, err, ErrEmptyPhoto)

	_, err = s.ValidateTask(t.Context(), ProofSubmission{Task: "x", Photo: &Photo{Data: []byte("just some text")}})
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
	assert.True(t, strings.Contains(err.Error(), "text/plain"), err.Error())

	_, err = s.ValidateTask(t.Context(), ProofSubmission{Task: "x", Photo: &Photo{Data: pngHeader}})
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "describe photo", me.Op)

	assert.Empty(t, f.requestsFor("validator"))
}
