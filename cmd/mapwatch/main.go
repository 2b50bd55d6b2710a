package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coffersTech/mapwatch/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mapwatch:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
