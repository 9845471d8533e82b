package ecotask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chriskillpack/ecotask/agent"
	"github.com/chriskillpack/ecotask/chat"
	"github.com/chriskillpack/ecotask/conversation"
	"github.com/chriskillpack/ecotask/describer"
	"github.com/chriskillpack/ecotask/internal/metrics"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

const createTaskSeed = "Generate a weekly environmental task and estimate its value."

type TaskProposal struct {
	ID          string
	Description string
	ValueLine   string
	Rationale   string
	Value       float64
	Points      int
	CreatedAt   time.Time
}

type Photo struct {
	Filename string
	Data     []byte
}

type ProofSubmission struct {
	Task  string
	Proof string
	Photo *Photo // optional
}

type ValidationVerdict struct {
	ID               string
	Task             string
	Proof            string // proof as sent to the validator, media description included
	MediaDescription string
	Result           string // validator reply, verbatim
	Completed        *bool  // nil when Result states neither outcome
	CreatedAt        time.Time
}

type ServiceOptions struct {
	Personas agent.Personas

	// CreatePolicy picks speakers in the task creation conversation.
	CreatePolicy conversation.SpeakerPolicy

	DB      *DB // optional, nil disables history
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Service runs the task creation and proof validation conversations. It holds
// no per-request state and is safe for concurrent use.
type Service struct {
	c        chat.Completer
	d        describer.Describer
	personas agent.Personas
	policy   conversation.SpeakerPolicy
	db       *DB
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func NewService(c chat.Completer, opts ServiceOptions) *Service {
	if opts.Metrics != nil {
		c = opts.Metrics.Instrument(c)
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Service{
		c:        c,
		d:        agent.NewPhotoDescriber(opts.Personas.Photo, c),
		personas: opts.Personas,
		policy:   opts.CreatePolicy,
		db:       opts.DB,
		log:      log,
		metrics:  opts.Metrics,
	}
}

func (s *Service) Backend() string { return s.c.Name() }

func (s *Service) IsHealthy(ctx context.Context) bool { return s.c.IsHealthy(ctx) }

func (s *Service) DB() *DB { return s.db }

// CreateTask asks the task creator for a weekly task and the task rater for
// its value.
func (s *Service) CreateTask(ctx context.Context) (*TaskProposal, error) {
	p := s.personas
	tr, err := conversation.Run(ctx, s.c, conversation.Config{
		Participants:  []agent.Persona{p.Client, p.TaskCreator, p.TaskRater},
		MaxTurns:      3,
		Policy:        s.policy,
		SelectorModel: p.SelectorModel,
	}, createTaskSeed)
	if err != nil {
		return nil, &ModelError{Op: "create task", Err: err}
	}

	prop, err := proposalFromTranscript(tr, p.TaskCreator.Name, p.TaskRater.Name)
	if err != nil {
		s.malformed(err)
		return nil, err
	}
	prop.CreatedAt = time.Now()

	if s.db != nil {
		if err := s.db.InsertProposal(ctx, prop); err != nil {
			return nil, fmt.Errorf("storing proposal: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"points":   prop.Points,
		"speakers": speakers(tr),
	}).Info("task created")
	return prop, nil
}

// proposalFromTranscript expects the creator's task in turn 1 and the rater's
// valuation in turn 2.
func proposalFromTranscript(tr conversation.Transcript, creator, rater string) (*TaskProposal, error) {
	if len(tr) < 3 {
		return nil, &MalformedOutputError{
			Field:  "transcript",
			Reason: fmt.Sprintf("expected 3 turns, got %d", len(tr)),
		}
	}
	if tr[1].Speaker != creator || tr[2].Speaker != rater {
		return nil, &MalformedOutputError{
			Field:  "transcript",
			Output: tr[1].Text + "\n" + tr[2].Text,
			Reason: fmt.Sprintf("expected %s then %s, got %s then %s", creator, rater, tr[1].Speaker, tr[2].Speaker),
		}
	}
	desc := tr.Text(1)
	if strings.TrimSpace(desc) == "" {
		return nil, &MalformedOutputError{Field: "description", Output: desc, Reason: "empty task description"}
	}

	v, err := ParseValuation(tr.Text(2))
	if err != nil {
		return nil, err
	}

	return &TaskProposal{
		Description: desc,
		ValueLine:   v.Line,
		Rationale:   v.Rationale,
		Value:       v.Amount,
		Points:      v.Points,
	}, nil
}

// ValidateTask has the validator judge the submitted proof. An attached photo
// is described first and the description appended to the written proof.
func (s *Service) ValidateTask(ctx context.Context, sub ProofSubmission) (*ValidationVerdict, error) {
	if strings.TrimSpace(sub.Task) == "" {
		return nil, ErrMissingTask
	}

	verdict := &ValidationVerdict{Task: sub.Task, Proof: sub.Proof}
	if sub.Photo != nil {
		desc, err := s.describePhoto(ctx, sub.Photo)
		if err != nil {
			return nil, err
		}
		verdict.MediaDescription = desc
		verdict.Proof = MergeProof(sub.Proof, desc)
	}

	tr, err := conversation.Run(ctx, s.c, conversation.Config{
		Participants: []agent.Persona{s.personas.Client, s.personas.Validator},
		MaxTurns:     2,
		Policy:       conversation.RoundRobin,
	}, "Task: "+sub.Task+"\n\nUser Proof: "+verdict.Proof)
	if err != nil {
		return nil, &ModelError{Op: "validate task", Err: err}
	}
	if len(tr) < 2 {
		err := &MalformedOutputError{Field: "transcript", Reason: fmt.Sprintf("expected 2 turns, got %d", len(tr))}
		s.malformed(err)
		return nil, err
	}

	verdict.Result = tr.Text(1)
	verdict.Completed = ParseVerdict(verdict.Result)
	verdict.CreatedAt = time.Now()

	if s.db != nil {
		if err := s.db.InsertVerdict(ctx, verdict); err != nil {
			return nil, fmt.Errorf("storing verdict: %w", err)
		}
	}

	fields := logrus.Fields{"photo": sub.Photo != nil}
	if verdict.Completed != nil {
		fields["completed"] = *verdict.Completed
	}
	s.log.WithFields(fields).Info("task validated")
	return verdict, nil
}

func (s *Service) describePhoto(ctx context.Context, ph *Photo) (string, error) {
	if len(ph.Data) == 0 {
		return "", ErrEmptyPhoto
	}
	mt := mimetype.Detect(ph.Data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt.String())
	}

	log := s.log.WithFields(logrus.Fields{
		"filename":  ph.Filename,
		"mime":      mt.String(),
		"describer": s.d.Name(),
		"model":     s.d.Model(),
	})
	desc, err := s.d.DescribeImage(ctx, ph.Data, mt.String())
	if err != nil {
		log.WithError(err).Warn("photo description failed")
		return "", &ModelError{Op: "describe photo", Err: err}
	}
	log.WithField("bytes", len(ph.Data)).Debug("photo described")
	return desc, nil
}

func (s *Service) malformed(err error) {
	var me *MalformedOutputError
	if !errors.As(err, &me) {
		return
	}
	if s.metrics != nil {
		s.metrics.MalformedOutput(me.Field)
	}
	s.log.WithFields(logrus.Fields{
		"field":  me.Field,
		"output": me.Output,
	}).Warn(me.Reason)
}

func speakers(tr conversation.Transcript) []string {
	names := make([]string, len(tr))
	for i, t := range tr {
		names[i] = t.Speaker
	}
	return names
}
