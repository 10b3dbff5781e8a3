package main

import (
	"os"

	"github.com/go-delve/stackunwind/cmd/stackunwind/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
