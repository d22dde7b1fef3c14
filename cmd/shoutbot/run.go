package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shoutbot/internal/app"
	"shoutbot/internal/dispatch"
)

func newRunCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run PLUGIN",
		Short: "Run one plugin's dispatch once and exit",
		Long: "Runs the named plugin once, as if its schedule fired, then exits.\n" +
			"The plugin does not need enabled: true in the config.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath())
			if err != nil {
				return err
			}
			a.Plugins().Register(builtins()...)

			runErr := a.RunOnce(ctx, args[0])

			stopCtx, stop := context.WithTimeout(context.Background(), stopGrace)
			defer stop()
			_ = a.Stop(stopCtx, app.StopRunOnce)

			switch {
			case errors.Is(runErr, dispatch.ErrOutsideWindow), errors.Is(runErr, dispatch.ErrNoTargets):
				fmt.Fprintln(cmd.OutOrStdout(), "skipped:", runErr)
				return nil
			case runErr != nil:
				return runErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), "done")
			return nil
		},
	}
}
