package llm

import "context"

// Client streams model responses. Implementations must honor ctx
// cancellation by terminating the stream with an EventFinish carrying
// FinishReasonAborted, then closing the channel.
type Client interface {
	// Stream starts a completion and returns the event channel.
	// Transport-level failures before the first event are returned as
	// an error; failures mid-stream arrive as EventError.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Complete runs a non-streaming completion and returns the full
	// text. Used for short generations such as PR metadata.
	Complete(ctx context.Context, req Request) (string, error)
}
