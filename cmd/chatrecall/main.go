// Package main provides the entry point for the chatrecall CLI.
package main

import (
	"os"

	"github.com/chatrecall/chatrecall/cmd/chatrecall/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
