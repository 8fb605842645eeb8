package main

import (
	"os"

	"github.com/porthorian/rhombus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
