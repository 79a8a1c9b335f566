package main

import (
	"os"

	"toolpin/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
