package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/els-fr/livreur/internal/datastore"
	"github.com/els-fr/livreur/internal/datastore/repository"
)

func newQueueCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or drain the persisted outbox",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending tasks, oldest first",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listQueue(cmd.Context(), rt, cmd.OutOrStdout())
			},
		},
		newQueueFlushCmd(rt),
	)
	return cmd
}

func newQueueFlushCmd(rt *cliEnv) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send every pending task now, retrying until the timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flushQueue(cmd.Context(), rt, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long; unsent tasks stay queued")
	return cmd
}

func listQueue(ctx context.Context, rt *cliEnv, out io.Writer) error {
	db, err := datastore.Open(datastore.Config{Path: rt.settings.Datastore.Path, Logger: rt.log})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Initialize(ctx); err != nil {
		return err
	}

	rows, err := repository.NewOutboxRepository(db.DB()).List(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDPOINT\tCREATED\tATTEMPTS\tLAST ERROR")
	for i := range rows {
		r := &rows[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.TaskID, r.Endpoint, r.CreatedAt.UTC().Format(time.RFC3339), r.Attempts, r.LastError)
	}
	return tw.Flush()
}

func flushQueue(ctx context.Context, rt *cliEnv, timeout time.Duration, out io.Writer) error {
	a, err := newApp(ctx, rt.settings, rt.log, "", "")
	if err != nil {
		return err
	}
	defer a.Close()

	pending := a.queue.Len()
	if pending == 0 {
		fmt.Fprintln(out, "queue is empty")
		return nil
	}
	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = a.queue.Flush(flushCtx)
	fmt.Fprintf(out, "sent %d of %d task(s)\n", pending-a.queue.Len(), pending)
	if err != nil && flushCtx.Err() == nil {
		return err
	}
	return nil
}
