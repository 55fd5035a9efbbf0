// The main package for the emblem-rarity executable.
package main

import (
	"github.com/JakeFAU/emblem-rarity/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
