package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr exitError
		if errors.As(err, &exitErr) {
			if !exitErr.silent && exitErr.message != "" {
				fmt.Fprintln(os.Stderr, exitErr.message)
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "ctrtools: %v\n", err)
		os.Exit(1)
	}
}
