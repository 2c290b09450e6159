// The main package for the faceharvest executable.
package main

import (
	"github.com/JakeFAU/face-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
