// Command aura runs account scenarios in the deterministic simulator and
// inspects the account logs they leave behind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/roach88/aura/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
