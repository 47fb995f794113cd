package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dialoguesim/handler"
	"dialoguesim/internal/config"
	"dialoguesim/internal/integrations/openai"
	"dialoguesim/internal/integrations/paramstore"
	"dialoguesim/internal/observability"
	"dialoguesim/internal/queue"
	"dialoguesim/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("DIALOGUESIM_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger, _, err := observability.NewLogger(cfg.Logger, os.Stderr)
	if err != nil {
		slog.Error("failed to create logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	if err := cfg.ResolvePrompts(ctx, ssmClient); err != nil {
		slog.Error("failed to resolve prompts", "err", err)
		os.Exit(1)
	}

	var keys openai.KeySource = openai.StaticKey(cfg.OpenAIAPIKey)
	if cfg.OpenAIAPIKey == "" {
		keys, err = openai.NewParamStoreKey(ssmClient, cfg.ParamPrefix)
		if err != nil {
			slog.Error("failed to create key source", "err", err)
			os.Exit(1)
		}
	}
	openaiClient, err := openai.NewClient(keys, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	transport, err := queue.NewSQSTransport(awssqs.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SQS transport", "err", err)
		os.Exit(1)
	}
	if err := transport.Declare(ctx, queue.Names...); err != nil {
		slog.Error("failed to resolve queues", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	responder, err := usecase.NewResponder(openaiClient, transport, usecase.ResponderConfig{
		Model:           cfg.Dialogue.Model,
		SystemPrompt:    cfg.Dialogue.SystemPrompt,
		MaxContextTurns: cfg.Dialogue.MaxMessageNumInContext,
		MaxTokens:       cfg.Dialogue.MaxTokens,
		Temperature:     cfg.Dialogue.Temperature,
	}, logger)
	if err != nil {
		slog.Error("failed to create responder", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(responder, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
