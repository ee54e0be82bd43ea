package extract

import (
	"context"
	"log/slog"

	"github.com/triageline/relay/pkg/call/session"
)

// Noop is used when no extraction backend is configured; it keeps the relay
// control flow identical while producing no fields.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Extract(ctx context.Context, callID, transcript string) ([]session.UpdatedField, error) {
	if n.Logger != nil {
		n.Logger.Debug("extraction skipped, no backend configured", "call_id", callID)
	}
	return nil, nil
}
