package main

import (
	"os"

	"github.com/armadaproject/laminar/cmd/laminard/cmd"
)

func main() {
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
