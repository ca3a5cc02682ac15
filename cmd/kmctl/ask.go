package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/internal/logging"
)

// newAskCmd runs retrieval.Service.Ask from the command line, the CLI
// analogue of POST /ask.
func newAskCmd() *cobra.Command {
	var index string
	var tags []string

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a grounded question against an index",
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

			f, err := tagFilter(tags)
			if err != nil {
				return err
			}

			answer, err := mem.Ask(ctx, index, args[0], f)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Println(answer.Text)
			for _, src := range answer.Sources {
				fmt.Printf("  - [%s] score=%.3f\n", src.DocumentID, src.Score)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&index, "index", "", "index name (default: KM_DEFAULT_INDEX)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "required tag in key:value form, may be repeated (ANDed)")
	return cmd
}

// tagFilter ANDs every key:value tag into one filter.Filter conjunction.
func tagFilter(tags []string) (filter.Filter, error) {
	f := filter.New()
	for _, kv := range tags {
		key, value, ok := strings.Cut(kv, ":")
		if !ok {
			return f, fmt.Errorf("invalid --tag %q, want key:value", kv)
		}
		f = f.ByTag(key, value)
	}
	return f, nil
}
