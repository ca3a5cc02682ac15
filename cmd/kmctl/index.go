package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/logging"
)

// newIndexCmd groups index-management subcommands (list/delete), the
// CLI analogue of GET /indexes and DELETE /indexes.
func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect or remove indexes",
	}
	cmd.AddCommand(newIndexListCmd(), newIndexDeleteCmd())
	return cmd
}

func newIndexListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel)

			builder, cleanup, err := collaborators(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			mem, err := builder.Build(ctx)
			if err != nil {
				return fmt.Errorf("build memory: %w", err)
			}
			defer mem.Close()

			names, err := mem.ListIndexes(ctx)
			if err != nil {
				return fmt.Errorf("list indexes: %w", err)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func newIndexDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an index and every document within it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel)

			builder, cleanup, err := collaborators(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			mem, err := builder.Build(ctx)
			if err != nil {
				return fmt.Errorf("build memory: %w", err)
			}
			defer mem.Close()

			if err := mem.DeleteIndex(ctx, args[0]); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
			fmt.Printf("index %s deletion requested\n", args[0])
			return nil
		},
	}
}
