package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/eventlanes/internal/handlers"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
	"github.com/Togather-Foundation/eventlanes/internal/storage/postgres"
)

func newPublishCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append entries to the event log",
		Long: `Append entries to the configured partition's event log.

Entries are picked up by any running engine for the partition.`,
	}

	var (
		language string
		version  int
		fields   string
	)
	item := &cobra.Command{
		Use:   "item <id>",
		Short: "Publish an item:saved entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := handlers.ItemSaved{ID: args[0], Language: language, Version: version}
			if fields != "" {
				if !json.Valid([]byte(fields)) {
					return fmt.Errorf("--fields is not valid JSON")
				}
				ev.Fields = json.RawMessage(fields)
			}
			return publish(cmd, opts, handlers.TypeItemSaved, ev)
		},
	}
	item.Flags().StringVar(&language, "language", "", "item language")
	item.Flags().IntVar(&version, "version", 1, "item version")
	item.Flags().StringVar(&fields, "fields", "", "item fields as a JSON object")

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Publish an item:deleted entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, handlers.TypeItemDeleted, handlers.ItemDeleted{ID: args[0]})
		},
	}

	var items int
	end := &cobra.Command{
		Use:   "end [run-id]",
		Short: "Publish a publish:end barrier entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := strings.ToLower(ulid.Make().String())
			if len(args) == 1 {
				runID = args[0]
			}
			return publish(cmd, opts, handlers.TypePublishEnd, handlers.PublishEnd{RunID: runID, Items: items})
		},
	}
	end.Flags().IntVar(&items, "items", 0, "number of items in the run")

	raw := &cobra.Command{
		Use:   "raw <payload-type> <json>",
		Short: "Publish an entry with an arbitrary payload type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return appendEntry(cmd, opts, args[0], []byte(args[1]))
		},
	}

	cmd.AddCommand(item, remove, end, raw)
	return cmd
}

func publish(cmd *cobra.Command, opts *globalOptions, payloadType string, v any) error {
	payload, err := handlers.Encode(v)
	if err != nil {
		return err
	}
	return appendEntry(cmd, opts, payloadType, payload)
}

func appendEntry(cmd *cobra.Command, opts *globalOptions, payloadType string, payload []byte) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	pool, err := postgres.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	repo, err := postgres.NewRepository(pool, cfg.Queue.Partition, cfg.Queue.InstanceName)
	if err != nil {
		return err
	}

	pos, err := repo.EventLog().Append(cmd.Context(), payloadType, payload)
	if err != nil {
		return err
	}
	printPosition(cmd, payloadType, pos)
	return nil
}

func printPosition(cmd *cobra.Command, payloadType string, pos queue.Position) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s appended at %s\n", payloadType, pos)
}
