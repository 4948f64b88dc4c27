package main

import (
	"os"

	"github.com/babelcloud/gbox/packages/recorder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
