package main

import (
	"fmt"
	"os"

	"offline0/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "offline0: %v\n", err)
		os.Exit(1)
	}
}
