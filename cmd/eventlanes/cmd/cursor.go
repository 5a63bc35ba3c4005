package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/eventlanes/internal/config"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
	"github.com/Togather-Foundation/eventlanes/internal/storage/postgres"
)

// stampPrefix is shared by the effective and taken cursor property names.
const stampPrefix = "EQStamp"

func newCursorCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset persisted cursors",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored cursors of every instance in the partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), opts, func(ctx context.Context, cfg config.Config, repo *postgres.Repository) error {
				props, err := repo.Properties().ListPrefix(ctx, cfg.Queue.Partition, stampPrefix)
				if err != nil {
					return err
				}
				writeCursors(cmd.OutOrStdout(), props)

				store := queue.NewCursorStore(repo.Properties(), cfg.Queue.InstanceName, cfg.Queue.CursorMaxAge)
				pos, ok, err := store.Retrieve(ctx, cfg.Queue.Partition)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s resumes from %s\n", cfg.Queue.InstanceName, pos)
				} else {
					floor := time.Now().Add(-cfg.Queue.CursorMaxAge).UTC()
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s has no cursor; resumes from %s\n", cfg.Queue.InstanceName, floor.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	var instance string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete an instance's stored cursors",
		Long: `Delete the effective and taken cursors of an instance. The next start
resumes from now minus the configured cursor max age.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), opts, func(ctx context.Context, cfg config.Config, repo *postgres.Repository) error {
				name := instance
				if name == "" {
					name = cfg.Queue.InstanceName
				}
				return repo.WithTx(ctx, func(ctx context.Context, tx *postgres.Repository) error {
					store := queue.NewCursorStore(tx.Properties(), name, cfg.Queue.CursorMaxAge)
					if err := store.Reset(ctx, cfg.Queue.Partition); err != nil {
						return err
					}
					if err := tx.Properties().SetProperty(ctx, cfg.Queue.Partition, queue.TakenCursorKey(name), ""); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cursors for %s in %s reset\n", name, cfg.Queue.Partition)
					return nil
				})
			})
		},
	}
	reset.Flags().StringVar(&instance, "instance", "", "instance to reset (default: configured instance name)")

	cmd.AddCommand(show, reset)
	return cmd
}

func withRepository(ctx context.Context, opts *globalOptions, fn func(context.Context, config.Config, *postgres.Repository) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	pool, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	repo, err := postgres.NewRepository(pool, cfg.Queue.Partition, cfg.Queue.InstanceName)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, repo)
}

func writeCursors(out io.Writer, props []postgres.Property) {
	if len(props) == 0 {
		fmt.Fprintln(out, "no cursors stored")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPOSITION\tUPDATED")
	for _, p := range props {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Value, p.UpdatedAt.UTC().Format(time.RFC3339))
	}
	_ = w.Flush()
}
