package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/outbox"
)

const drainPoll = 100 * time.Millisecond

type submitOptions struct {
	eventID      string
	cmdID        string
	statuses     []string
	email        string
	items        []string
	receiverName string
	receiverRole string
	wait         time.Duration
}

func newSubmitCmd(rt *cliEnv) *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one delivery and wait for the outbox to drain",
		Example: `  livreur submit --event E1 --cmd C1 --status ARRIVED --status OK \
    --item 3760001234567:2 --email driver@example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return submit(cmd.Context(), rt, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.eventID, "event", "", "delivery event id")
	f.StringVar(&opts.cmdID, "cmd", "", "order number")
	f.StringArrayVar(&opts.statuses, "status", nil, "status to move to, in order (repeatable)")
	f.StringVar(&opts.email, "email", "", "driver email, remembered for later submissions")
	f.StringArrayVar(&opts.items, "item", nil, "delivered item as barcode[:qty] (repeatable)")
	f.StringVar(&opts.receiverName, "receiver-name", "", "name of the person receiving the delivery")
	f.StringVar(&opts.receiverRole, "receiver-role", "", "role of the person receiving the delivery")
	f.DurationVar(&opts.wait, "wait", 30*time.Second, "how long to wait for the backend to acknowledge")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func submit(ctx context.Context, rt *cliEnv, opts submitOptions, out io.Writer) error {
	a, err := newApp(ctx, rt.settings, rt.log, opts.eventID, opts.cmdID)
	if err != nil {
		return err
	}
	defer a.Close()

	session := a.orch.Session()
	_ = a.orch.LoadEventInfo(ctx)

	if opts.email != "" {
		if err := a.orch.SetDriverEmail(ctx, opts.email); err != nil {
			return err
		}
	}
	for _, raw := range opts.statuses {
		st, err := delivery.ParseStatus(raw)
		if err != nil {
			return err
		}
		if session.Status() == st {
			continue
		}
		if err := session.Transition(st); err != nil {
			return err
		}
	}
	for _, raw := range opts.items {
		item, err := parseItem(raw)
		if err != nil {
			return err
		}
		if err := session.AddItem(item); err != nil {
			return err
		}
	}
	if opts.receiverName != "" || opts.receiverRole != "" {
		var patch delivery.ReceiverPatch
		if opts.receiverName != "" {
			patch.Name = &opts.receiverName
		}
		if opts.receiverRole != "" {
			patch.Role = &opts.receiverRole
		}
		session.UpdateReceiver(patch)
	}

	payload, err := a.orch.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queued %s seq=%d client=%s\n", payload.EventID, payload.Seq, payload.ClientUUID)

	waitCtx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	if err := waitDrained(waitCtx, a.queue); err != nil {
		rt.log.Warn("delivery not acknowledged yet, it stays queued", logger.Int("pending", a.queue.Len()))
		fmt.Fprintf(out, "pending: %d task(s) will be retried by the next run\n", a.queue.Len())
		return nil
	}
	fmt.Fprintf(out, "sent: synced=%t\n", session.Synced())
	return nil
}

// waitDrained blocks until the queue is empty or ctx is done.
func waitDrained(ctx context.Context, q *outbox.Queue) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for q.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// parseItem reads "barcode" or "barcode:qty".
func parseItem(raw string) (delivery.Item, error) {
	code, qty, found := strings.Cut(strings.TrimSpace(raw), ":")
	if code == "" {
		return delivery.Item{}, errors.Newf("item %q has no barcode", raw).
			Component("livreur").
			Category(errors.CategoryValidation).
			Build()
	}
	item := delivery.Item{Barcode: code, Qty: 1}
	if found {
		n, err := strconv.Atoi(qty)
		if err != nil {
			return delivery.Item{}, errors.Newf("item %q has an invalid quantity: %w", raw, err).
				Component("livreur").
				Category(errors.CategoryValidation).
				Build()
		}
		item.Qty = n
	}
	return item, nil
}
