package main

import (
	"os"

	"github.com/daemonless/dbuild/internal/dbuild"
)

func main() {
	os.Exit(dbuild.Main())
}
