package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dialoguesim/internal/queue"
)

func newRunAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run responder, simulator and monitor in one process.",
		Long: "Run responder, simulator and monitor in one process. With transport.kind=memory\n" +
			"the components share an in-process broker; otherwise each dials its own connection.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAll(cmd.Context())
		},
	}
}

// runAll ends when the simulator finishes its session. The responder and
// monitor are then cancelled.
func (a *app) runAll(parent context.Context) error {
	dial := a.dialTransport
	if a.cfg.Transport.Kind == "memory" {
		broker := queue.NewMemoryBroker(a.cfg.Transport.BufferSize)
		defer broker.Close()
		dial = func(context.Context) (queue.Transport, error) {
			return broker.Connect(), nil
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	responderT, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("responder transport: %w", err)
	}
	responder, err := a.newResponder(ctx, responderT)
	if err != nil {
		_ = responderT.Close()
		return err
	}
	monitor, err := a.newMonitor()
	if err != nil {
		_ = responderT.Close()
		return err
	}
	monitorT, err := dial(ctx)
	if err != nil {
		_ = responderT.Close()
		return fmt.Errorf("monitor transport: %w", err)
	}
	simulatorT, err := dial(ctx)
	if err != nil {
		_ = responderT.Close()
		_ = monitorT.Close()
		return fmt.Errorf("simulator transport: %w", err)
	}
	simulator, err := a.newSimulator(ctx, simulatorT)
	if err != nil {
		_ = responderT.Close()
		_ = monitorT.Close()
		_ = simulatorT.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(responder.Run(gctx, responderT))
	})
	g.Go(func() error {
		reason, err := monitor.Run(gctx, monitorT)
		a.logger.Info("monitor finished", "reason", reason)
		return err
	})
	g.Go(func() error {
		defer cancel()
		if err := simulator.Run(gctx, simulatorT); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if res := simulator.Result(); res != nil {
			a.logger.Info("session finished", "session_id", res.SessionID, "turns", len(res.Dialogue))
		}
		return nil
	})
	return g.Wait()
}
