package main

import (
	"context"
	"fmt"
	"os"

	"github.com/xjog/xjog/internal/cli"
)

func main() {
	root := cli.BuildRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
