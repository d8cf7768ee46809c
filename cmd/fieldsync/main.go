package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmynk/fieldsync/internal/cli"
	"github.com/mmynk/fieldsync/pkg/logging"
)

func main() {
	logging.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
