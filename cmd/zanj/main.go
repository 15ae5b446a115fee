// Command zanj reads and writes ZANJ array containers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"

	"github.com/justapithecus/zanj/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, cli.NewRootCmd()); err != nil {
		stop()
		os.Exit(1)
	}
}
