// Command libraryd runs the library circulation service and its maintenance
// tasks (seeding, backups and restores).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "libraryd: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "libraryd",
		Short:         "Library circulation service",
		Long:          "libraryd serves the loan engine over HTTP and runs catalog maintenance tasks.\nConfiguration is read from LIBRARY_* environment variables and the optional YAML file named by LIBRARY_CONFIG.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newServeCmd(),
		newSeedCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newHashPasswordCmd(),
	)
	return root
}
