package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/noderef/cmd/noderefctl/cmd"
	"github.com/xtxerr/noderef/internal/logging"
)

func main() {
	logging.Init(logging.ParseLevel("warn"), false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.RootCmd(nil).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
