package main

import (
	"os"

	"sessiond/cmd/sessiond/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
