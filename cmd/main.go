package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "scenegraph",
		Short: "Engineering diagram scene graphs with full-context Q&A",
		Long: `scenegraph turns engineering diagrams into component graphs and
answers questions about them.

Configuration is read from the environment (see internal/app/config.go).`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), ingestCmd(), askCmd(), migrateCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
