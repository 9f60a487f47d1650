// The main package for the cricketdb executable.
package main

import (
	"github.com/olcroft/cricketdb/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
