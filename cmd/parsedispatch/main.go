// Package main is the parsedispatch command. It serves the task API, runs
// the dispatch loops, applies database migrations and performs maintenance.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
