// The main package for the scraper executable.
package main

import (
	"github.com/wetraa/999md-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
