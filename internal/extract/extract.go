package extract

import (
	"context"
	"fmt"
)

// Extractor turns a raw channel message into a structured signal payload.
type Extractor interface {
	Extract(ctx context.Context, rawText string) (*Result, error)
}

// Result is a validated extraction outcome.
type Result struct {
	// JSON is the validated payload, ready for storage.
	JSON string

	// Parsed is the decoded payload for in-process consumers.
	Parsed any
}

// ExtractionError describes a failed extraction attempt. It is recorded on
// the signal row; the pipeline itself keeps running.
type ExtractionError struct {
	Message string
	Timeout bool
}

func (e *ExtractionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("extraction timed out: %s", e.Message)
	}
	return e.Message
}
