package main

import (
	"fmt"
	"os"

	watchcmd "github.com/festion/audit-stream/pkg/watch/cmd"
)

func main() {
	root := watchcmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
