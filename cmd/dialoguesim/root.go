package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"dialoguesim/internal/config"
	"dialoguesim/internal/integrations/paramstore"
	"dialoguesim/internal/observability"
)

// app carries what every subcommand shares once the root pre-run is done.
type app struct {
	cfgFile   string
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	aws    *aws.Config
	params *paramstore.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "dialoguesim",
		Short:         "Simulate user/assistant dialogues over a message queue and score them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.AddCommand(
		newResponderCmd(a),
		newSimulatorCmd(a),
		newMonitorCmd(a),
		newRunAllCmd(a),
	)
	return root
}

func (a *app) init(ctx context.Context, stderr io.Writer) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	logger, closer, err := observability.NewLogger(cfg.Logger, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg, a.logger, a.logCloser = cfg, logger, closer

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ParamPrefix != "" {
		params, err := a.paramStore(ctx)
		if err != nil {
			return err
		}
		if err := cfg.ResolvePrompts(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	slog.Error("command failed", "err", err)
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
