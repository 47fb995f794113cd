package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func newResponderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "responder",
		Short: "Answer user_input messages on system_output.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.dialTransport(ctx)
			if err != nil {
				return err
			}
			r, err := a.newResponder(ctx, t)
			if err != nil {
				_ = t.Close()
				return err
			}
			return ignoreCanceled(r.Run(ctx, t))
		},
	}
}

func newSimulatorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "simulator",
		Short: "Play the user side of one dialogue, then evaluate and save it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.dialTransport(ctx)
			if err != nil {
				return err
			}
			s, err := a.newSimulator(ctx, t)
			if err != nil {
				_ = t.Close()
				return err
			}
			return ignoreCanceled(s.Run(ctx, t))
		},
	}
}

func newMonitorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch both queues and stop once the dialogue goes idle.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.newMonitor()
			if err != nil {
				return err
			}
			t, err := a.dialTransport(ctx)
			if err != nil {
				return err
			}
			reason, err := m.Run(ctx, t)
			a.logger.Info("monitor finished", "reason", reason)
			return err
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
