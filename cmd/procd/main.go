package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := execute(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "procd:", err)
		os.Exit(1)
	}
}
