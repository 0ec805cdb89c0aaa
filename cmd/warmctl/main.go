package main

import (
	"os"

	"github.com/arkturian/warmctl/cmd/warmctl/cmd"
)

func main() {
	// cobra prints the error; run failures were already logged per item
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
