// The main package for the backfill executable.
package main

import (
	"github.com/skyloom/backfill/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
