package queue

import (
	"context"
	"encoding/json"
)

// Job handles one message type.
type Job interface {
	Name() string
	Type() string
	// Handle receives the raw JSON payload; nil when the message carried none.
	Handle(ctx context.Context, payload json.RawMessage) error
}
