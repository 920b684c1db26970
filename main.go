package main

import (
	"os"

	"github.com/fluxline/shmcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
