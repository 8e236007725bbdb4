package main

import (
	"context"
	"fmt"
	"os"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
