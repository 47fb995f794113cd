package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"dialoguesim/internal/domain"
	"dialoguesim/internal/queue"
)

// ApologyMessage replaces a reply the generator failed to produce.
const ApologyMessage = "I apologize, but I encountered an error. Could you please try again?"

const (
	defaultMaxContextTurns    = 10
	defaultResponderMaxTokens = 150
)

type ResponderConfig struct {
	Model           string
	SystemPrompt    string
	MaxContextTurns int
	MaxTokens       int
	Temperature     float64
}

// Responder answers each user_input message with a reply on system_output.
// Its history is private and grows only from what it consumed and produced.
type Responder struct {
	gen    Generator
	pub    Publisher
	cfg    ResponderConfig
	logger *slog.Logger

	history domain.History
}

func NewResponder(gen Generator, pub Publisher, cfg ResponderConfig, logger *slog.Logger) (*Responder, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if pub == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: responder model must not be empty")
	}
	if cfg.MaxContextTurns <= 0 {
		cfg.MaxContextTurns = defaultMaxContextTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultResponderMaxTokens
	}
	return &Responder{
		gen:    gen,
		pub:    pub,
		cfg:    cfg,
		logger: loggerOrDefault(logger).With("component", "responder"),
	}, nil
}

// Reply records text as a user turn, generates the assistant turn from the
// system prompt and the most recent MaxContextTurns turns, records it and
// returns it. A generation failure yields ApologyMessage.
func (r *Responder) Reply(ctx context.Context, text string) string {
	r.history.Append(domain.RoleUser, text)

	reply, err := r.gen.Generate(ctx, domain.GenerateRequest{
		Model:        r.cfg.Model,
		SystemPrompt: r.cfg.SystemPrompt,
		Turns:        r.history.Last(r.cfg.MaxContextTurns),
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
	})
	if err != nil {
		r.logger.Error("error generating response", "err", err)
		reply = ApologyMessage
	}

	r.history.Append(domain.RoleAssistant, reply)
	return reply
}

// OnUserMessage replies to text and publishes the reply verbatim.
func (r *Responder) OnUserMessage(ctx context.Context, text string) error {
	reply := r.Reply(ctx, text)
	if err := queue.PublishText(ctx, r.pub, queue.SystemOutput, reply); err != nil {
		return newError(ErrorTransport, "publish_reply", err)
	}
	return nil
}

// HandleDelivery decodes a raw user_input payload and answers it.
func (r *Responder) HandleDelivery(ctx context.Context, body []byte) error {
	env, err := queue.Decode(body)
	if err != nil {
		return newError(ErrorDecode, "user_input_payload", err)
	}
	return r.OnUserMessage(ctx, env.Message)
}

// History returns a copy of the responder's turns.
func (r *Responder) History() []domain.ChatMessage {
	return r.history.Turns()
}

// Run consumes user_input until ctx ends, the transport closes, or a
// delivery fails. Run closes t before returning.
func (r *Responder) Run(ctx context.Context, t queue.Transport) error {
	defer func() {
		if cerr := t.Close(); cerr != nil {
			r.logger.Warn("closing transport", "err", cerr)
		}
	}()

	if err := t.Declare(ctx, queue.Names...); err != nil {
		return newError(ErrorTransport, "declare", err)
	}
	deliveries, err := t.Consume(ctx, queue.UserInput)
	if err != nil {
		return newError(ErrorTransport, "consume", err)
	}

	r.logger.Info("dialogue system is running, waiting for messages")
	for d := range deliveries {
		if err := r.HandleDelivery(ctx, d.Body); err != nil {
			return err
		}
	}
	return transportErr(t)
}
