package usecase

import (
	"context"
	"log/slog"
	"time"

	"dialoguesim/internal/domain"
	"dialoguesim/internal/queue"
)

// Generator is the text-generation collaborator: prompt plus history in,
// text out. It is synchronous and may fail.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
}

// Publisher is the publishing half of a queue.Transport.
type Publisher = queue.Publisher

// ResultSaver persists a finished session.
type ResultSaver interface {
	SaveResult(ctx context.Context, result domain.Result) error
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// transportErr reports why a delivery channel closed: a lost connection is a
// TRANSPORT_ERROR, a deliberate close or cancelled context is not an error.
func transportErr(t queue.Transport) error {
	if err := t.Err(); err != nil {
		return newError(ErrorTransport, "connection_lost", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
