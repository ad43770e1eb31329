package main

import (
	"os"

	"github.com/aixgo-dev/chatengine"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	chatengine.Version = Version
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
