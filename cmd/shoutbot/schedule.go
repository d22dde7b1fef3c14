package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

func newScheduleCmd() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "schedule EXPR",
		Short: "Show how a schedule expression resolves and when it fires next",
		Long: "EXPR is a 5-field cron line, <hours>/<start>-<end>, a bare number of hours,\n" +
			"or empty (\"\") for random daily times.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return err
				}
			}
			t := scheduler.NewResolver(logx.Nop(), nil).Resolve(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, t)
			for _, at := range t.Next(time.Now().In(loc), count) {
				fmt.Fprintln(out, " ", at.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of upcoming fire times to print")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (default: local)")
	return cmd
}
