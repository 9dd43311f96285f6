package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/export"
	"fieldsync/internal/fieldops"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue ACTION [PAYLOAD_JSON]",
		Short: "Queue an operation for replay",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := models.Payload{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				id, err := store.Enqueue(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				if !slices.Contains(fieldops.Actions(), args[0]) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q is not a known field action\n", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed counts and server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				st, err := store.Summary(cmd.Context())
				if err != nil {
					return err
				}
				st.IsOnline = ctx.newClient(cfg).Ping(cmd.Context()) == nil

				rows := [][]string{
					{"Pending", strconv.Itoa(st.Pending)},
					{"Failed", strconv.Itoa(st.Failed)},
					{"Online", yesNo(st.IsOnline)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Queue", "Value"}, rows, 1))
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				ops, err := store.ListPending(cmd.Context())
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp < ops[j].Timestamp })
				fmt.Fprint(cmd.OutOrStdout(), renderOperations(ops))
				return nil
			})
		},
	}
}

func newFailedCommand(ctx *commandContext) *cobra.Command {
	var exportReport bool
	var exportDir string

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List operations that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				ops, err := store.ListFailed(cmd.Context())
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed operations")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderOperations(ops))

				if !exportReport {
					return nil
				}
				dir := exportDir
				if dir == "" {
					dir = cfg.Client.ExportPath
				}
				path, err := export.FailedOperations(dir, ops, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d operations to %s\n", len(ops), path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&exportReport, "export", false, "Write an .xlsx report of failed operations")
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "Report directory (default client.export_path)")
	return cmd
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID...",
		Short: "Give failed operations another replay attempt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				for _, id := range args {
					if err := store.Requeue(cmd.Context(), id); err != nil {
						return fmt.Errorf("requeue %s: %w", id, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d operations\n", len(args))
				return nil
			})
		},
	}
}

func newDiscardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "discard ID...",
		Short: "Delete failed operations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				for _, id := range args {
					if err := store.Discard(cmd.Context(), id); err != nil {
						return fmt.Errorf("discard %s: %w", id, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d operations\n", len(args))
				return nil
			})
		},
	}
}

func renderOperations(ops []models.QueuedOperation) string {
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		rows = append(rows, []string{
			op.ID,
			op.Action,
			op.CreatedAt().Format(time.RFC3339),
			string(op.Status),
			strconv.Itoa(op.Retries),
			lastError,
		})
	}
	return renderTable([]string{"ID", "Action", "Queued", "Status", "Retries", "Last error"}, rows, 4)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
