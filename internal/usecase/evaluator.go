package usecase

import (
	"context"
	"errors"
	"log/slog"

	"dialoguesim/internal/domain"
)

const (
	defaultEvaluationModel     = "gpt-4o"
	defaultEvaluationMaxTokens = 300
)

type EvaluatorConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Evaluator scores a finished dialogue against a fixed four-criterion rubric.
type Evaluator struct {
	gen    Generator
	cfg    EvaluatorConfig
	logger *slog.Logger
}

// NewEvaluator fills an empty model with gpt-4o and a non-positive token
// limit with 300. Temperature is used as given; zero is a valid setting.
func NewEvaluator(gen Generator, cfg EvaluatorConfig, logger *slog.Logger) (*Evaluator, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if cfg.Model == "" {
		cfg.Model = defaultEvaluationModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultEvaluationMaxTokens
	}
	return &Evaluator{gen: gen, cfg: cfg, logger: loggerOrDefault(logger)}, nil
}

// Evaluate always returns a value; a generation failure is folded into
// "Evaluation error: <cause>".
func (e *Evaluator) Evaluate(ctx context.Context, turns []domain.ChatMessage) string {
	out, err := e.gen.Generate(ctx, domain.GenerateRequest{
		Model:        e.cfg.Model,
		SystemPrompt: evaluatorPersona,
		Turns: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: buildEvaluationPrompt(turns)},
		},
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		e.logger.Error("evaluation failed", "err", err)
		return evaluationFallback(err)
	}
	return out
}
