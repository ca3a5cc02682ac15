// Command kmctl is Kernel Memory's operator CLI: serve runs the HTTP
// surface, worker drains a distributed deployment's step queues, ingest
// and ask exercise the pipeline and retrieval directly from the
// command line, and status/index inspect pipeline and index state.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
