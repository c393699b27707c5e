// The main package for the histpull executable.
package main

import (
	"github.com/histpull/histpull/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
