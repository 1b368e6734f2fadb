package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/UniQw/edgepurge/internal/cli"
)

func main() {
	cli.Execute()
}
