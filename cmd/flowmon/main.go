package main

import (
	"flow-monitor/internal/cli"
)

func main() {
	cli.Execute()
}
