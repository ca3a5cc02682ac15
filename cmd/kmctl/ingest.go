package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/logging"
	"github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/schema"
)

// newIngestCmd admits local files into the pipeline directly, the
// one-shot CLI analogue of POST /upload, generalizing cmd/ingest's
// directory-watch loop into an explicit file list per invocation.
func newIngestCmd() *cobra.Command {
	var index, documentID string
	var tags []string
	var wait bool

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Admit one or more files as a document",
		Args:  cobra.MinimumNArgs(1),
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

			var files []orchestrator.NamedFile
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				defer f.Close()
				files = append(files, orchestrator.NamedFile{Name: path, Data: f})
			}

			tagCollection := schema.NewTagCollection()
			for _, kv := range tags {
				key, value, ok := strings.Cut(kv, ":")
				if !ok {
					return fmt.Errorf("invalid --tag %q, want key:value", kv)
				}
				tagCollection.Add(key, value)
			}

			docID, err := mem.Admit(ctx, index, orchestrator.UploadRequest{
				DocumentID: documentID,
				Files:      files,
				Tags:       tagCollection,
			})
			if err != nil {
				return fmt.Errorf("admit: %w", err)
			}
			fmt.Printf("document %s admitted into index %s\n", docID, index)

			if !wait {
				return nil
			}
			return waitReady(ctx, mem, index, docID)
		},
	}

	cmd.Flags().StringVar(&index, "index", "", "index name (default: KM_DEFAULT_INDEX)")
	cmd.Flags().StringVar(&documentID, "document-id", "", "document id (generated if empty)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag in key:value form, may be repeated")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the pipeline reaches a terminal state")
	return cmd
}

func waitReady(ctx context.Context, mem interface {
	IsReady(ctx context.Context, index, documentID string) (bool, error)
}, index, docID string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		ready, err := mem.IsReady(ctx, index, docID)
		if err != nil {
			return fmt.Errorf("pipeline failed: %w", err)
		}
		if ready {
			fmt.Println("pipeline complete")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for document %s to become ready", docID)
}
