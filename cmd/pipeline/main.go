package main

import (
	"os"

	"entitypipeline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
