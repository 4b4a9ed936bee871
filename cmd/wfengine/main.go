package main

import (
	"os"

	"github.com/rustyeddy/walkforward/cmd/wfengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
