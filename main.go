// The main package for the crm-scraper executable.
package main

import (
	"os"

	"github.com/JakeFAU/crm-phone-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
