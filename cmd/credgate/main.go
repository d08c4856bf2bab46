package main

import (
	"os"

	"github.com/majorcontext/credgate/cmd/credgate/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
