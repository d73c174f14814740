package main

import (
	"fmt"
	"os"

	"github.com/unloggedio/unlogged-sdk-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "probectl:", err)
		os.Exit(1)
	}
}
