package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dialoguesim/internal/domain"
	"dialoguesim/internal/queue"
)

const (
	defaultMaxTurns        = 5
	defaultPersonaTurns    = 4
	defaultSimulatorTokens = 150
)

// State is the simulator's lifecycle position.
type State int

const (
	StateSeeding State = iota
	StateAwaitingReply
	StateStalled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSeeding:
		return "SEEDING"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateStalled:
		return "STALLED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type SimulatorConfig struct {
	Model        string
	UserPrompt   string
	MaxTurns     int
	TurnDelay    time.Duration
	ContextTurns int
	MaxTokens    int
	Temperature  float64
}

// Simulator plays the user persona: it seeds the dialogue, answers each
// reply until MaxTurns replies have been seen, then evaluates and persists
// the session. It is driven by one goroutine and is not safe for concurrent
// use.
type Simulator struct {
	gen    Generator
	pub    Publisher
	eval   *Evaluator
	savers []ResultSaver
	cfg    SimulatorConfig
	logger *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	state     State
	turn      int
	history   domain.History
	sessionID string
	startedAt time.Time
	result    *domain.Result
}

type SimulatorOption func(*Simulator)

// WithClock replaces time.Now for the session timestamp.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper replaces the pacing delay implementation.
func WithSleeper(sleep func(context.Context, time.Duration) error) SimulatorOption {
	return func(s *Simulator) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithResultSavers sets where finished sessions are persisted.
func WithResultSavers(savers ...ResultSaver) SimulatorOption {
	return func(s *Simulator) {
		s.savers = append(s.savers, savers...)
	}
}

func NewSimulator(gen Generator, pub Publisher, eval *Evaluator, cfg SimulatorConfig, logger *slog.Logger, opts ...SimulatorOption) (*Simulator, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if pub == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	if eval == nil {
		return nil, errors.New("usecase: evaluator must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: simulator model must not be empty")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.TurnDelay < 0 {
		return nil, errors.New("usecase: turn delay must not be negative")
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = defaultPersonaTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultSimulatorTokens
	}

	s := &Simulator{
		gen:    gen,
		pub:    pub,
		eval:   eval,
		cfg:    cfg,
		logger: loggerOrDefault(logger).With("component", "simulator"),
		now:    time.Now,
		sleep:  sleepContext,
		state:  StateSeeding,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Simulator) State() State { return s.state }

// Turn is the number of assistant replies received so far.
func (s *Simulator) Turn() int { return s.turn }

func (s *Simulator) History() []domain.ChatMessage { return s.history.Turns() }

// Result is the persisted outcome, or nil until the session terminates.
func (s *Simulator) Result() *domain.Result { return s.result }

// Start generates and publishes the seed message. A generation failure
// leaves the simulator STALLED without publishing anything.
func (s *Simulator) Start(ctx context.Context) error {
	if s.state != StateSeeding {
		return fmt.Errorf("usecase: simulator already started (state %s)", s.state)
	}
	s.sessionID = domain.NewSessionID()
	s.startedAt = s.now()
	s.logger = s.logger.With("session_id", s.sessionID)

	return s.sendNextUserMessage(ctx)
}

// OnSystemOutput records an assistant reply and advances the session. Once
// the reply count reaches MaxTurns the dialogue is evaluated and persisted;
// later replies are ignored.
func (s *Simulator) OnSystemOutput(ctx context.Context, text string) error {
	switch s.state {
	case StateTerminated:
		s.logger.Warn("ignoring reply after termination")
		return nil
	case StateSeeding:
		return errors.New("usecase: reply received before the session started")
	}

	s.history.Append(domain.RoleAssistant, text)
	s.turn++

	if s.turn >= s.cfg.MaxTurns {
		return s.terminate(ctx)
	}

	if err := s.sleep(ctx, s.cfg.TurnDelay); err != nil {
		return err
	}
	return s.sendNextUserMessage(ctx)
}

func (s *Simulator) sendNextUserMessage(ctx context.Context) error {
	msg, err := s.gen.Generate(ctx, domain.GenerateRequest{
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.UserPrompt,
		Turns:        s.history.Last(s.cfg.ContextTurns),
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
	})
	if err == nil && strings.TrimSpace(msg) == "" {
		err = errors.New("generator returned no text")
	}
	if err != nil {
		s.logger.Warn("error generating user message, conversation stalled", "turn", s.turn, "err", err)
		s.state = StateStalled
		return nil
	}

	s.history.Append(domain.RoleUser, msg)
	if err := queue.PublishText(ctx, s.pub, queue.UserInput, msg); err != nil {
		return newError(ErrorTransport, "publish_user_message", err)
	}
	s.state = StateAwaitingReply
	return nil
}

func (s *Simulator) terminate(ctx context.Context) error {
	s.state = StateTerminated
	s.logger.Info("conversation complete, evaluating dialogue", "turns", s.turn)

	dialogue := s.history.Turns()
	result := domain.Result{
		SessionID:  s.sessionID,
		StartedAt:  s.startedAt,
		Dialogue:   dialogue,
		Evaluation: s.eval.Evaluate(ctx, dialogue),
	}
	s.result = &result

	s.logger.Info("evaluation results", "evaluation", result.Evaluation)
	s.logger.Info("final dialogue", "transcript", domain.FormatTranscript(dialogue))

	var errs []error
	for _, saver := range s.savers {
		if err := saver.SaveResult(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newError(ErrorPersist, "save_result", errors.Join(errs...))
	}
	return nil
}

// Run declares the queues, subscribes to system_output, seeds the dialogue
// and processes replies until the session terminates. Run closes t before
// returning.
func (s *Simulator) Run(ctx context.Context, t queue.Transport) error {
	defer func() {
		if err := t.Close(); err != nil {
			s.logger.Warn("closing transport", "err", err)
		}
	}()

	if err := t.Declare(ctx, queue.Names...); err != nil {
		return newError(ErrorTransport, "declare", err)
	}
	deliveries, err := t.Consume(ctx, queue.SystemOutput)
	if err != nil {
		return newError(ErrorTransport, "consume", err)
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("simulator is running, starting conversation")
	for d := range deliveries {
		env, err := queue.Decode(d.Body)
		if err != nil {
			return newError(ErrorDecode, "system_output_payload", err)
		}
		if err := s.OnSystemOutput(ctx, env.Message); err != nil {
			return err
		}
		if s.state == StateTerminated {
			return nil
		}
	}
	return transportErr(t)
}
