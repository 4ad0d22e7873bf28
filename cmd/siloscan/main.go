// Command siloscan runs the silo scan ingestion server, the reconstruction
// worker and the operator tooling.
package main

import (
	"os"

	"github.com/siloscan/siloscan/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
