package main

import (
	"os"

	"github.com/BMGburger/sawbuck/cmd/sawbuck/cmds"
	"github.com/BMGburger/sawbuck/pkg/logflags"
)

func main() {
	defer logflags.Close()
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
