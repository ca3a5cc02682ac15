package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/logging"
)

// newStatusCmd prints a document's PipelineState, the CLI analogue of
// GET /upload-status.
func newStatusCmd() *cobra.Command {
	var index string

	cmd := &cobra.Command{
		Use:   "status DOCUMENT_ID",
		Short: "Show a document's pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if index == "" {
				index = cfg.DefaultIndex
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

			state, err := mem.Status(ctx, index, args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}

	cmd.Flags().StringVar(&index, "index", "", "index name (default: KM_DEFAULT_INDEX)")
	return cmd
}
