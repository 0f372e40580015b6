package main

import (
	"os"

	"github.com/kdbg/kdb/cmd/kdb/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
