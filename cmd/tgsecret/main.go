package main

import (
	"os"

	"github.com/islombek4642/tgsecret/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
