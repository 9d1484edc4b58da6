package main

import (
	"os"

	"github.com/mbocsi/avrharness/cli"
)

func main() {
	os.Exit(cli.Execute())
}
