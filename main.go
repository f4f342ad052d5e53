package main

import (
	"context"
	"fmt"
	"os"

	appcmd "github.com/mikills/shoplog/cmd"
)

func main() {
	root := appcmd.NewRootCommand(os.Getenv)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "shoplog:", err)
		os.Exit(1)
	}
}
