// The main package for the progresswatch executable.
package main

import (
	"github.com/JakeFAU/progresswatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
