package main

import (
	"crypto-alarm-engine/internal/cli"
)

func main() {
	cli.Execute()
}
