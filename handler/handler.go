package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
)

// MessageHandler answers one raw user_input payload.
type MessageHandler interface {
	HandleDelivery(ctx context.Context, body []byte) error
}

// Handler feeds SQS user_input records to the responder in order.
type Handler struct {
	responder MessageHandler
	logger    *slog.Logger
}

func NewHandler(responder MessageHandler, logger *slog.Logger) (*Handler, error) {
	if responder == nil {
		return nil, errors.New("handler: responder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{responder: responder, logger: logger}, nil
}

// Handle processes records until one fails. The failed record and every
// record after it are reported back so SQS redelivers them in order, and
// the records already answered are not replayed.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for i, record := range event.Records {
		if err := h.responder.HandleDelivery(ctx, []byte(record.Body)); err != nil {
			h.logger.Error("failed to handle message", "message_id", record.MessageId, "err", err)
			for _, rest := range event.Records[i:] {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rest.MessageId})
			}
			return resp, nil
		}
	}
	return resp, nil
}
