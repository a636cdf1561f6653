package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/llmgate/internal/cmd"
	"github.com/felixgeelhaar/llmgate/internal/exitcode"
)

func main() {
	// SIGINT and SIGTERM cancel ctx; serve treats that as a graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		exitcode.Exit(exitcode.Success)
	}
	if stderrors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "\nOperation cancelled")
		exitcode.Exit(exitcode.Interrupted)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	exitcode.ExitWithError(err)
}
