package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dialoguesim/internal/domain"
	"dialoguesim/internal/queue"
)

type fakeSaver struct {
	saved []domain.Result
	err   error
}

func (f *fakeSaver) SaveResult(_ context.Context, r domain.Result) error {
	f.saved = append(f.saved, r)
	return f.err
}

type sleepRecorder struct {
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

var sessionStart = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func fixedSessionID(t *testing.T, id string) {
	t.Helper()
	orig := domain.NewSessionID
	domain.NewSessionID = func() string { return id }
	t.Cleanup(func() { domain.NewSessionID = orig })
}

type simFixture struct {
	sim     *Simulator
	gen     *fakeGenerator
	evalGen *fakeGenerator
	pub     *recordingPublisher
	saver   *fakeSaver
	sleeper *sleepRecorder
}

func newSimFixture(t *testing.T, maxTurns int, gen, evalGen *fakeGenerator) *simFixture {
	t.Helper()
	f := &simFixture{
		gen:     gen,
		evalGen: evalGen,
		pub:     &recordingPublisher{},
		saver:   &fakeSaver{},
		sleeper: &sleepRecorder{},
	}
	eval, err := NewEvaluator(evalGen, EvaluatorConfig{Temperature: 0.3}, nil)
	require.NoError(t, err)
	f.sim, err = NewSimulator(gen, f.pub, eval, SimulatorConfig{
		Model:       "gpt-4o-mini",
		UserPrompt:  "You are a curious traveller.",
		MaxTurns:    maxTurns,
		TurnDelay:   2 * time.Second,
		Temperature: 0.8,
	}, nil,
		WithClock(func() time.Time { return sessionStart }),
		WithSleeper(f.sleeper.sleep),
		WithResultSavers(f.saver),
	)
	require.NoError(t, err)
	return f
}

func constant(text string) *fakeGenerator {
	return &fakeGenerator{respond: func(domain.GenerateRequest, int) (string, error) {
		return text, nil
	}}
}

func TestNewSimulator_ValidatesDependencies(t *testing.T) {
	eval, err := NewEvaluator(constant("ok"), EvaluatorConfig{}, nil)
	require.NoError(t, err)
	cfg := SimulatorConfig{Model: "gpt-4o-mini"}

	_, err = NewSimulator(nil, &recordingPublisher{}, eval, cfg, nil)
	require.Error(t, err)
	_, err = NewSimulator(constant("x"), nil, eval, cfg, nil)
	require.Error(t, err)
	_, err = NewSimulator(constant("x"), &recordingPublisher{}, nil, cfg, nil)
	require.Error(t, err)
	_, err = NewSimulator(constant("x"), &recordingPublisher{}, eval, SimulatorConfig{}, nil)
	require.Error(t, err)
	_, err = NewSimulator(constant("x"), &recordingPublisher{}, eval, SimulatorConfig{Model: "m", TurnDelay: -time.Second}, nil)
	require.Error(t, err)

	sim, err := NewSimulator(constant("x"), &recordingPublisher{}, eval, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, StateSeeding, sim.State())
	require.Equal(t, 5, sim.cfg.MaxTurns)
	require.Equal(t, 4, sim.cfg.ContextTurns)
	require.Equal(t, 150, sim.cfg.MaxTokens)
	require.Zero(t, sim.cfg.Temperature)
}

func TestSimulator_ZeroTemperatureIsKept(t *testing.T) {
	gen := numbered("user")
	evalGen := constant("scores")
	eval, err := NewEvaluator(evalGen, EvaluatorConfig{}, nil)
	require.NoError(t, err)
	sim, err := NewSimulator(gen, &recordingPublisher{}, eval, SimulatorConfig{
		Model:       "gpt-4o-mini",
		MaxTurns:    1,
		Temperature: 0,
	}, nil, WithSleeper((&sleepRecorder{}).sleep))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sim.Start(ctx))
	require.NoError(t, sim.OnSystemOutput(ctx, "answer"))

	require.Zero(t, gen.calls()[0].Temperature)
	require.Zero(t, evalGen.calls()[0].Temperature)
}

func TestSimulator_TwoTurnSession(t *testing.T) {
	fixedSessionID(t, "session-1")
	f := newSimFixture(t, 2, numbered("user"), constant("Fluency: 5"))
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.Equal(t, StateAwaitingReply, f.sim.State())
	require.Equal(t, []string{"user 1"}, f.pub.texts)
	require.Equal(t, []string{queue.UserInput}, f.pub.queues)

	require.NoError(t, f.sim.OnSystemOutput(ctx, "system 1"))
	require.Equal(t, 1, f.sim.Turn())
	require.Equal(t, StateAwaitingReply, f.sim.State())
	require.Equal(t, []string{"user 1", "user 2"}, f.pub.texts)
	require.Equal(t, []time.Duration{2 * time.Second}, f.sleeper.delays)

	require.NoError(t, f.sim.OnSystemOutput(ctx, "system 2"))
	require.Equal(t, 2, f.sim.Turn())
	require.Equal(t, StateTerminated, f.sim.State())
	require.Len(t, f.pub.texts, 2)

	want := domain.Result{
		SessionID: "session-1",
		StartedAt: sessionStart,
		Dialogue: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "user 1"},
			{Role: domain.RoleAssistant, Content: "system 1"},
			{Role: domain.RoleUser, Content: "user 2"},
			{Role: domain.RoleAssistant, Content: "system 2"},
		},
		Evaluation: "Fluency: 5",
	}
	require.Len(t, f.saver.saved, 1)
	if diff := cmp.Diff(want, f.saver.saved[0]); diff != "" {
		t.Fatalf("saved result mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, &want, f.sim.Result())

	require.NoError(t, f.sim.OnSystemOutput(ctx, "late reply"))
	require.Equal(t, 2, f.sim.Turn())
	require.Len(t, f.sim.History(), 4)
	require.Len(t, f.saver.saved, 1)
}

func TestSimulator_TranscriptHasTwoTurnsPerReply(t *testing.T) {
	for _, maxTurns := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max_turns=%d", maxTurns), func(t *testing.T) {
			f := newSimFixture(t, maxTurns, numbered("user"), constant("ok"))
			ctx := context.Background()

			require.NoError(t, f.sim.Start(ctx))
			for i := 1; i <= maxTurns; i++ {
				require.NoError(t, f.sim.OnSystemOutput(ctx, fmt.Sprintf("system %d", i)))
			}

			require.Equal(t, StateTerminated, f.sim.State())
			require.Equal(t, maxTurns, f.sim.Turn())
			require.Len(t, f.sim.Result().Dialogue, 2*maxTurns)
			require.Len(t, f.pub.texts, maxTurns)
			require.Len(t, f.sleeper.delays, maxTurns-1)
			for i, turn := range f.sim.Result().Dialogue {
				if i%2 == 0 {
					require.Equal(t, domain.RoleUser, turn.Role)
				} else {
					require.Equal(t, domain.RoleAssistant, turn.Role)
				}
			}
		})
	}
}

func TestSimulator_PersonaSeesLastFourTurns(t *testing.T) {
	gen := numbered("user")
	f := newSimFixture(t, 5, gen, constant("ok"))
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.sim.OnSystemOutput(ctx, fmt.Sprintf("system %d", i)))
	}

	calls := gen.calls()
	require.Len(t, calls, 4)
	require.Empty(t, calls[0].Turns)
	require.Equal(t, "You are a curious traveller.", calls[0].SystemPrompt)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "user 1"},
		{Role: domain.RoleAssistant, Content: "system 1"},
	}, calls[1].Turns)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "user 2"},
		{Role: domain.RoleAssistant, Content: "system 2"},
		{Role: domain.RoleUser, Content: "user 3"},
		{Role: domain.RoleAssistant, Content: "system 3"},
	}, calls[3].Turns)
}

func TestSimulator_SeedFailureStalls(t *testing.T) {
	f := newSimFixture(t, 2, failing(errors.New("timeout")), constant("ok"))

	require.NoError(t, f.sim.Start(context.Background()))
	require.Equal(t, StateStalled, f.sim.State())
	require.Empty(t, f.pub.texts)
	require.Empty(t, f.sim.History())
	require.Nil(t, f.sim.Result())

	require.Error(t, f.sim.Start(context.Background()))
}

func TestSimulator_FollowUpFailureStalls(t *testing.T) {
	gen := &fakeGenerator{respond: func(_ domain.GenerateRequest, call int) (string, error) {
		if call == 0 {
			return "hello", nil
		}
		return "", errors.New("quota exceeded")
	}}
	f := newSimFixture(t, 3, gen, constant("ok"))
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.NoError(t, f.sim.OnSystemOutput(ctx, "hi there"))
	require.Equal(t, StateStalled, f.sim.State())
	require.Equal(t, []string{"hello"}, f.pub.texts)
	require.Len(t, f.sim.History(), 2)
}

func TestSimulator_EmptySeedStalls(t *testing.T) {
	for _, text := range []string{"", "  \n"} {
		f := newSimFixture(t, 2, constant(text), constant("ok"))

		require.NoError(t, f.sim.Start(context.Background()))
		require.Equal(t, StateStalled, f.sim.State())
		require.Empty(t, f.pub.texts)
		require.Empty(t, f.sim.History())
	}
}

func TestSimulator_EmptyFollowUpStalls(t *testing.T) {
	gen := &fakeGenerator{respond: func(_ domain.GenerateRequest, call int) (string, error) {
		if call == 0 {
			return "hello", nil
		}
		return "", nil
	}}
	f := newSimFixture(t, 3, gen, constant("ok"))
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.NoError(t, f.sim.OnSystemOutput(ctx, "hi there"))
	require.Equal(t, StateStalled, f.sim.State())
	require.Equal(t, []string{"hello"}, f.pub.texts)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "hi there"},
	}, f.sim.History())
}

func TestSimulator_ReplyBeforeStartIsRejected(t *testing.T) {
	f := newSimFixture(t, 2, numbered("user"), constant("ok"))
	require.Error(t, f.sim.OnSystemOutput(context.Background(), "early"))
	require.Zero(t, f.sim.Turn())
}

func TestSimulator_EvaluationFailureIsRecorded(t *testing.T) {
	f := newSimFixture(t, 1, numbered("user"), failing(errors.New("model overloaded")))
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.NoError(t, f.sim.OnSystemOutput(ctx, "answer"))

	require.Equal(t, StateTerminated, f.sim.State())
	require.Equal(t, "Evaluation error: model overloaded", f.saver.saved[0].Evaluation)
}

func TestSimulator_EvaluationRequest(t *testing.T) {
	evalGen := constant("scores")
	f := newSimFixture(t, 1, numbered("user"), evalGen)
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.NoError(t, f.sim.OnSystemOutput(ctx, "answer"))

	calls := evalGen.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "gpt-4o", calls[0].Model)
	require.Equal(t, 300, calls[0].MaxTokens)
	require.InDelta(t, 0.3, calls[0].Temperature, 1e-9)
	require.Equal(t, evaluatorPersona, calls[0].SystemPrompt)
	require.Len(t, calls[0].Turns, 1)
	require.Contains(t, calls[0].Turns[0].Content, "User: user 1\nSystem: answer\n")
	require.Contains(t, calls[0].Turns[0].Content, "4. Informativeness (1-5)")
}

func TestSimulator_PersistFailure(t *testing.T) {
	f := newSimFixture(t, 1, numbered("user"), constant("ok"))
	f.saver.err = errors.New("disk full")
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	err := f.sim.OnSystemOutput(ctx, "answer")
	expectError(t, err, ErrorPersist, "save_result")
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, StateTerminated, f.sim.State())
	require.NotNil(t, f.sim.Result())
}

func TestSimulator_PacingInterrupted(t *testing.T) {
	f := newSimFixture(t, 3, numbered("user"), constant("ok"))
	f.sleeper.err = context.Canceled
	ctx := context.Background()

	require.NoError(t, f.sim.Start(ctx))
	require.ErrorIs(t, f.sim.OnSystemOutput(ctx, "reply"), context.Canceled)
	require.Len(t, f.pub.texts, 1)
}

func TestSimulator_PublishFailureIsTransportError(t *testing.T) {
	f := newSimFixture(t, 2, numbered("user"), constant("ok"))
	f.pub.err = queue.ErrClosed

	expectError(t, f.sim.Start(context.Background()), ErrorTransport, "publish_user_message")
}

func TestState_String(t *testing.T) {
	require.Equal(t, "SEEDING", StateSeeding.String())
	require.Equal(t, "AWAITING_REPLY", StateAwaitingReply.String())
	require.Equal(t, "STALLED", StateStalled.String())
	require.Equal(t, "TERMINATED", StateTerminated.String())
	require.Equal(t, "State(9)", State(9).String())
}

func TestSession_OverMemoryBroker(t *testing.T) {
	defer goleak.VerifyNone(t)
	fixedSessionID(t, "session-e2e")

	broker := queue.NewMemoryBroker(8)
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responderConn := broker.Connect()
	responder := newTestResponder(t, numbered("system"), responderConn, 10)
	responderDone := make(chan error, 1)
	go func() { responderDone <- responder.Run(ctx, responderConn) }()

	simConn := broker.Connect()
	saver := &fakeSaver{}
	eval, err := NewEvaluator(constant("Coherence: 4"), EvaluatorConfig{}, nil)
	require.NoError(t, err)
	sim, err := NewSimulator(numbered("user"), simConn, eval, SimulatorConfig{
		Model:    "gpt-4o-mini",
		MaxTurns: 2,
	}, nil, WithResultSavers(saver), WithClock(func() time.Time { return sessionStart }))
	require.NoError(t, err)

	require.NoError(t, sim.Run(ctx, simConn))
	require.Equal(t, StateTerminated, sim.State())
	require.Equal(t, 2, sim.Turn())

	want := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "user 1"},
		{Role: domain.RoleAssistant, Content: "system 1"},
		{Role: domain.RoleUser, Content: "user 2"},
		{Role: domain.RoleAssistant, Content: "system 2"},
	}
	require.Len(t, saver.saved, 1)
	if diff := cmp.Diff(want, saver.saved[0].Dialogue); diff != "" {
		t.Fatalf("dialogue mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "session-e2e", saver.saved[0].SessionID)
	require.Equal(t, "Coherence: 4", saver.saved[0].Evaluation)

	cancel()
	select {
	case err := <-responderDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}
	require.Equal(t, want, responder.History())
}
