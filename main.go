// Package main is the entry point for the cdcore application
package main

import (
	"github.com/ethpandaops/cdcore/cmd"
)

func main() {
	cmd.Execute()
}
