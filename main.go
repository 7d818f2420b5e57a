// The main package for the syllabus executable.
package main

import (
	"github.com/JakeFAU/syllabus-indexer/cmd"
)

func main() {
	cmd.Execute()
}
