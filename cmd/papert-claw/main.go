package main

import (
	"os"

	"github.com/azharlabs/papert-claw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
