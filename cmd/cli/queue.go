package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Operate the ticket-activity webhook queue",
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one delivery pass and print the counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close(ctx)

		result, err := a.queue.ProcessPending(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var stuckFor time.Duration

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move rows stuck in processing back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		if stuckFor <= 0 {
			return fmt.Errorf("--stuck-for must be positive")
		}
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close(ctx)

		n, err := a.queue.Requeue(ctx, stuckFor)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d item(s)\n", n)
		return nil
	},
}

var enqueueTicket string

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a ticket snapshot with no activity attached",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueTicket == "" {
			return fmt.Errorf("--ticket is required")
		}
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close(ctx)

		item, err := a.queue.EnqueueSnapshot(ctx, enqueueTicket)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s for ticket %s\n", item.ID, item.TicketID)
		return nil
	},
}

func init() {
	queueRequeueCmd.Flags().DurationVar(&stuckFor, "stuck-for", 10*time.Minute, "minimum time a row has been processing")
	queueEnqueueCmd.Flags().StringVar(&enqueueTicket, "ticket", "", "ticket id")
	queueCmd.AddCommand(queueProcessCmd, queueRequeueCmd, queueEnqueueCmd)
	rootCmd.AddCommand(queueCmd)
}
