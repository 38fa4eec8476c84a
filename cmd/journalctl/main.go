// Command journalctl operates the journaling memory pipeline from a terminal.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/easeaico/memory-journal/internal/cli"
)

func main() {
	_ = godotenv.Load()
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
