package main

import (
	"github.com/sidkik/emsync/cmd"
	"github.com/sidkik/emsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
