package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/monitor"
)

func newRunOnceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single monitoring pass and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, runErr := a.runner.Run(ctx)
			if errors.HasCode(runErr, errors.ErrCodePassInProgress) {
				return runErr
			}
			if err := printSummary(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if runErr != nil || summary.Aborted {
				return errPassAborted
			}
			return nil
		},
	}
}

func printSummary(w io.Writer, s monitor.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func newFailedCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List notifications that exhausted their attempts or failed permanently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			pg, err := connectPostgres(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer pg.Close()

			gate := ledger.NewGate(ledger.NewPostgresStore(pg.DB), ledger.Policy{MaxAttempts: cfg.Ledger.MaxAttempts})
			entries, err := gate.FinalFailures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printFailures(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to list")
	return cmd
}

func printFailures(w io.Writer, entries []ledger.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no failed notifications")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tSUBJECT\tRECIPIENT\tATTEMPTS\tLAST ATTEMPT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Event.ID,
			e.Event.Type,
			e.Event.SubjectEntityID,
			e.Event.Recipient.Email,
			e.AttemptCount,
			e.LastAttemptAt.UTC().Format(time.RFC3339),
			e.LastError,
		)
	}
	return tw.Flush()
}
