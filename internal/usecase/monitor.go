package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dialoguesim/internal/queue"
)

const (
	defaultIdleTimeout  = 30 * time.Second
	defaultPollInterval = time.Second
)

// StopReason says why the idle monitor ended.
type StopReason string

const (
	StopTimeout     StopReason = "timeout"
	StopInterrupted StopReason = "interrupted"
	StopClosed      StopReason = "closed"
)

type MonitorConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// IdleMonitor watches both queues and ends the session when no message has
// been observed for longer than Timeout. It only observes: it never signals
// the responder or the simulator.
type IdleMonitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	lastSeen time.Time
	fired    bool
}

type MonitorOption func(*IdleMonitor)

// WithMonitorClock replaces time.Now for idle accounting.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *IdleMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTicker replaces the poll ticker.
func WithTicker(newTicker func(time.Duration) (<-chan time.Time, func())) MonitorOption {
	return func(m *IdleMonitor) {
		if newTicker != nil {
			m.newTicker = newTicker
		}
	}
}

func NewIdleMonitor(cfg MonitorConfig, logger *slog.Logger, opts ...MonitorOption) (*IdleMonitor, error) {
	if cfg.Timeout < 0 || cfg.PollInterval < 0 {
		return nil, errors.New("usecase: monitor durations must not be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultIdleTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	m := &IdleMonitor{
		cfg:    cfg,
		logger: loggerOrDefault(logger).With("component", "monitor"),
		now:    time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastSeen = m.now()
	return m, nil
}

// Touch resets the idle clock.
func (m *IdleMonitor) Touch(at time.Time) {
	m.lastSeen = at
}

// Expired reports whether more than Timeout has passed since the last
// observed message. It returns true at most once.
func (m *IdleMonitor) Expired(now time.Time) bool {
	if m.fired {
		return false
	}
	if now.Sub(m.lastSeen) > m.cfg.Timeout {
		m.fired = true
		return true
	}
	return false
}

// Run observes user_input and system_output until the session goes idle,
// ctx ends, or the transport closes. Run closes t before returning.
func (m *IdleMonitor) Run(ctx context.Context, t queue.Transport) (StopReason, error) {
	defer func() {
		if err := t.Close(); err != nil {
			m.logger.Warn("closing transport", "err", err)
		}
	}()

	if err := t.Declare(ctx, queue.Names...); err != nil {
		return StopClosed, newError(ErrorTransport, "declare", err)
	}
	userInput, err := t.Observe(ctx, queue.UserInput)
	if err != nil {
		return StopClosed, newError(ErrorTransport, "observe", err)
	}
	systemOutput, err := t.Observe(ctx, queue.SystemOutput)
	if err != nil {
		return StopClosed, newError(ErrorTransport, "observe", err)
	}

	tick, stop := m.newTicker(m.cfg.PollInterval)
	defer stop()

	m.Touch(m.now())
	m.logger.Info("monitor is running", "timeout", m.cfg.Timeout)

	for userInput != nil || systemOutput != nil {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped by user")
			return StopInterrupted, nil
		case d, ok := <-userInput:
			if !ok {
				userInput = nil
				continue
			}
			if err := m.record(d); err != nil {
				return StopClosed, err
			}
		case d, ok := <-systemOutput:
			if !ok {
				systemOutput = nil
				continue
			}
			if err := m.record(d); err != nil {
				return StopClosed, err
			}
		case <-tick:
			if err := m.drain(userInput, systemOutput); err != nil {
				return StopClosed, err
			}
			if m.Expired(m.now()) {
				m.logger.Info("no activity, ending conversation", "idle_for", m.cfg.Timeout)
				return StopTimeout, nil
			}
		}
	}
	if ctx.Err() != nil {
		return StopInterrupted, nil
	}
	return StopClosed, transportErr(t)
}

// drain records deliveries already waiting so a tick never wins a race
// against pending activity.
func (m *IdleMonitor) drain(chans ...<-chan queue.Delivery) error {
	for _, ch := range chans {
		for pending := true; pending && ch != nil; {
			select {
			case d, ok := <-ch:
				if !ok {
					pending = false
					continue
				}
				if err := m.record(d); err != nil {
					return err
				}
			default:
				pending = false
			}
		}
	}
	return nil
}

func (m *IdleMonitor) record(d queue.Delivery) error {
	env, err := queue.Decode(d.Body)
	if err != nil {
		return newError(ErrorDecode, d.Queue+"_payload", err)
	}
	m.Touch(m.now())
	m.logger.Debug("message observed", "queue", d.Queue, "message", env.Message)
	return nil
}
