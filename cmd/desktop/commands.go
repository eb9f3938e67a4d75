package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tripplanner/cmd/desktop/handlers"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"
	"github.com/kimhsiao/tripplanner/internal/sync/queue"

	tripsync "github.com/kimhsiao/tripplanner/internal/sync"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), handlers.ServiceName, Version)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// storeStatus is the offline view of sync state, read without a backend.
type storeStatus struct {
	DataDir           string     `json:"data_dir"`
	Durable           bool       `json:"durable"`
	LastKnownOnline   bool       `json:"last_known_online"`
	PendingOperations int        `json:"pending_operations"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state without contacting the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			meta, err := store.GetMetadata(ctx)
			if err != nil {
				return err
			}
			count, err := store.GetPendingOperationsCount(ctx)
			if err != nil {
				return err
			}

			st := storeStatus{
				DataDir:           c.cfg.DataDir,
				Durable:           store.Durable(),
				LastKnownOnline:   meta.IsOnline,
				PendingOperations: count,
			}
			if meta.LastSyncTimestamp > 0 {
				t := time.UnixMilli(meta.LastSyncTimestamp).UTC()
				st.LastSyncTime = &t
			}

			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Data dir:\t%s\n", st.DataDir)
			fmt.Fprintf(tw, "Last known online:\t%t\n", st.LastKnownOnline)
			fmt.Fprintf(tw, "Pending operations:\t%d\n", st.PendingOperations)
			fmt.Fprintf(tw, "Last sync:\t%s\n", formatTime(st.LastSyncTime))
			return tw.Flush()
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func newQueueCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending operations in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			q := queue.New(store, c.cfg.Sync.MaxRetries)
			ops, err := q.Pending(ctx)
			if err != nil {
				return err
			}

			if c.jsonOut {
				stats, err := q.GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"operations":  ops,
					"stats":       stats,
					"max_retries": q.MaxRetries(),
				})
			}

			if len(ops) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending operations")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTABLE\tENTITY\tRETRIES\tQUEUED")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					op.ID, op.Type, op.Table, op.EntityID(), op.RetryCount, q.MaxRetries(),
					time.UnixMilli(op.Timestamp).UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newResetCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the local cache, the pending queue and sync metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset discards unsynced changes; rerun with --yes to confirm")
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ClearAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local store cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the backend once and drain the pending queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := remote.Open(c.cfg.Remote)
			if err != nil {
				return err
			}

			prober := connectivity.NewProber(backend, c.cfg.Connectivity.ProbeInterval, c.cfg.Remote.Timeout, false)
			prober.Probe(ctx)

			a, err := c.openApp(ctx, prober, backend)
			if err != nil {
				backend.Close()
				return err
			}
			defer a.Close()

			// Init starts a drain when the probe succeeded.
			a.orch.Wait()
			return c.printSyncStatus(ctx, cmd.OutOrStdout(), a.orch)
		},
	}
}

func (c *cli) printSyncStatus(ctx context.Context, w io.Writer, o *tripsync.Orchestrator) error {
	st := o.GetStatus(ctx)
	if c.jsonOut {
		return printJSON(w, st)
	}
	if !st.IsOnline {
		fmt.Fprintf(w, "Backend unreachable; %d operation(s) still pending\n", st.PendingOperations)
		return nil
	}
	fmt.Fprintf(w, "Synced; %d operation(s) still pending, last sync %s\n",
		st.PendingOperations, formatTime(st.LastSyncTime))
	return nil
}
