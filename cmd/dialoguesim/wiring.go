package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dialoguesim/internal/integrations/openai"
	"dialoguesim/internal/integrations/paramstore"
	"dialoguesim/internal/queue"
	"dialoguesim/internal/repository"
	"dialoguesim/internal/results"
	"dialoguesim/internal/usecase"
)

var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	a.aws = &cfg
	return cfg, nil
}

func (a *app) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if a.params != nil {
		return a.params, nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	a.params = params
	return params, nil
}

// generator builds the OpenAI client. An explicit key wins; otherwise the
// key is read from <param_prefix>/open-ai-token on first use.
func (a *app) generator(ctx context.Context) (*openai.Client, error) {
	var keys openai.KeySource = openai.StaticKey(a.cfg.OpenAIAPIKey)
	if strings.TrimSpace(a.cfg.OpenAIAPIKey) == "" {
		params, err := a.paramStore(ctx)
		if err != nil {
			return nil, err
		}
		keys, err = openai.NewParamStoreKey(params, a.cfg.ParamPrefix)
		if err != nil {
			return nil, err
		}
	}
	var opts []openai.Option
	if a.cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(a.cfg.OpenAIBaseURL))
	}
	return openai.NewClient(keys, opts...)
}

// dialTransport opens one connection for a standalone component.
func (a *app) dialTransport(ctx context.Context) (queue.Transport, error) {
	switch a.cfg.Transport.Kind {
	case "amqp":
		return queue.DialAMQP(a.cfg.Transport.AMQPURL)
	case "sqs":
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewSQSTransport(awssqs.NewFromConfig(awsCfg))
	case "memory":
		return nil, errors.New("the memory transport only connects components inside one process; use run-all")
	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport.Kind)
	}
}

func (a *app) resultSavers(ctx context.Context) ([]usecase.ResultSaver, error) {
	format, err := results.ParseFormat(a.cfg.Simulator.OutputFormat)
	if err != nil {
		return nil, err
	}
	files, err := results.NewFileStore(a.cfg.Simulator.OutputDir, format)
	if err != nil {
		return nil, err
	}
	savers := []usecase.ResultSaver{files}

	if table := a.cfg.Simulator.ResultsTable; table != "" {
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), table)
		if err != nil {
			return nil, err
		}
		savers = append(savers, repo)
	}
	return savers, nil
}

func (a *app) newResponder(ctx context.Context, pub queue.Publisher) (*usecase.Responder, error) {
	if strings.TrimSpace(a.cfg.Dialogue.SystemPrompt) == "" {
		return nil, errors.New("dialogue.system_prompt is required")
	}
	gen, err := a.generator(ctx)
	if err != nil {
		return nil, err
	}
	d := a.cfg.Dialogue
	return usecase.NewResponder(gen, pub, usecase.ResponderConfig{
		Model:           d.Model,
		SystemPrompt:    d.SystemPrompt,
		MaxContextTurns: d.MaxMessageNumInContext,
		MaxTokens:       d.MaxTokens,
		Temperature:     d.Temperature,
	}, a.logger)
}

func (a *app) newSimulator(ctx context.Context, pub queue.Publisher) (*usecase.Simulator, error) {
	if strings.TrimSpace(a.cfg.Simulator.UserPrompt) == "" {
		return nil, errors.New("simulator.user_prompt is required")
	}
	gen, err := a.generator(ctx)
	if err != nil {
		return nil, err
	}
	s := a.cfg.Simulator
	eval, err := usecase.NewEvaluator(gen, usecase.EvaluatorConfig{
		Model:       s.EvaluationModel,
		MaxTokens:   s.EvaluationTokens,
		Temperature: s.EvaluationTemp,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	savers, err := a.resultSavers(ctx)
	if err != nil {
		return nil, err
	}
	return usecase.NewSimulator(gen, pub, eval, usecase.SimulatorConfig{
		Model:        s.Model,
		UserPrompt:   s.UserPrompt,
		MaxTurns:     s.MaxTurns,
		TurnDelay:    s.TurnDelay,
		ContextTurns: s.ContextTurns,
		MaxTokens:    s.MaxTokens,
		Temperature:  s.Temperature,
	}, a.logger, usecase.WithResultSavers(savers...))
}

func (a *app) newMonitor() (*usecase.IdleMonitor, error) {
	return usecase.NewIdleMonitor(usecase.MonitorConfig{
		Timeout:      a.cfg.Monitor.Timeout,
		PollInterval: a.cfg.Monitor.PollInterval,
	}, a.logger)
}
