package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepBatch int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Maintain executor update sessions",
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire awaiting sessions past their deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close(ctx)

		batch := sweepBatch
		if batch <= 0 {
			batch = a.cfg.Sessions.SweepBatch
		}
		n, err := a.sessions.ExpireStale(ctx, batch)
		if err != nil {
			return err
		}
		fmt.Printf("expired %d session(s)\n", n)
		return nil
	},
}

func init() {
	sessionsSweepCmd.Flags().IntVar(&sweepBatch, "batch", 0, "max sessions to expire (default sessions.sweep_batch)")
	sessionsCmd.AddCommand(sessionsSweepCmd)
	rootCmd.AddCommand(sessionsCmd)
}
