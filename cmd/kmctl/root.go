package main

import (
	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kmctl",
		Short: "Kernel Memory operator CLI",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overlays KM_* env vars)")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newIngestCmd(),
		newAskCmd(),
		newStatusCmd(),
		newIndexCmd(),
	)
	return root
}

// loadConfig reads the shared config.Config via config.Load(cfgFile).
// It does not build a logger.
func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}
