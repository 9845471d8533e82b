package describer

import "context"

// Describer describes a photo submitted as proof of a completed task.
type Describer interface {
	// Name returns the name of the describing persona, e.g. "PhotoAgent"
	Name() string

	// Model returns the model identifier used for descriptions.
	Model() string

	// DescribeImage returns a string containing an English description of the
	// environmental activity in the provided image. The image data should be
	// the full contents of the uploaded file and mimeType its detected type.
	// The provided ctx is used as a parent context for the request to the LLM
	// server.
	DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error)
}
