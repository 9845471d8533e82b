// Package agent holds the fixed personas that take part in task creation and
// proof validation conversations.
package agent

const (
	ClientName      = "Client"
	TaskCreatorName = "TaskCreatorAgent"
	TaskRaterName   = "TaskRaterAgent"
	ValidatorName   = "ValidationAgent"
	PhotoName       = "PhotoAgent"

	DefaultModel       = "gpt-4"
	DefaultVisionModel = "gpt-4o"
)

const (
	taskCreatorInstruction = "You are an assistant that generates creative, impactful environmental tasks that individuals can carry out. " +
		"These tasks should be actionable, measurable, and suitable for different levels of effort. " +
		"The tasks should be feasible within one week."

	taskRaterInstruction = "You are an expert in environmental economics. You receive a task description and estimate its value in euros. " +
		"The estimation should be between 5 and 20 Euros.\n" +
		"Respond in the format:\n" +
		"Estimated value: €X.XX\nDescription: <Short economic rationale>"

	validatorInstruction = "You are a strict environmental task validator. " +
		"When given task completion evidence (text, image description, video description), " +
		"determine if the task was completed properly. Respond with:\n" +
		"'Task completed' or 'Task not completed' and give a brief justification."

	photoInstruction = "You are a vision assistant. You are given an image and your task is to describe what's in the image, " +
		"especially focusing on environmental tasks or actions that might be happening. " +
		"Do not make judgments yet, just describe clearly and concisely."
)

// Persona is one participant of a conversation. A Persona with an empty Model
// is a driver: it only ever speaks the seed message.
type Persona struct {
	Name        string
	Instruction string
	Model       string
	MaxTokens   int
}

func (p Persona) IsDriver() bool { return p.Model == "" }

// Models selects the model identifier used by each persona.
type Models struct {
	TaskCreator string
	TaskRater   string
	Validator   string
	Photo       string
	Selector    string
}

func DefaultModels() Models {
	return Models{
		TaskCreator: DefaultModel,
		TaskRater:   DefaultModel,
		Validator:   DefaultModel,
		Photo:       DefaultVisionModel,
		Selector:    DefaultModel,
	}
}

// Personas is the immutable set of personas built once at start up.
type Personas struct {
	Client      Persona
	TaskCreator Persona
	TaskRater   Persona
	Validator   Persona
	Photo       Persona

	// SelectorModel picks the next speaker in free-form conversations.
	SelectorModel string
}

// NewPersonas builds the fixed personas. Empty entries in m fall back to the
// defaults.
func NewPersonas(m Models) Personas {
	d := DefaultModels()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}

	return Personas{
		Client:        Persona{Name: ClientName},
		TaskCreator:   Persona{Name: TaskCreatorName, Instruction: taskCreatorInstruction, Model: pick(m.TaskCreator, d.TaskCreator)},
		TaskRater:     Persona{Name: TaskRaterName, Instruction: taskRaterInstruction, Model: pick(m.TaskRater, d.TaskRater)},
		Validator:     Persona{Name: ValidatorName, Instruction: validatorInstruction, Model: pick(m.Validator, d.Validator)},
		Photo:         Persona{Name: PhotoName, Instruction: photoInstruction, Model: pick(m.Photo, d.Photo), MaxTokens: 500},
		SelectorModel: pick(m.Selector, d.Selector),
	}
}
