package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"librarycore/internal/core"
	"librarycore/internal/staff"
)

var errBackupsDisabled = errors.New("no blob store configured (set LIBRARY_BLOB_DRIVER)")

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo catalog into an empty store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app) error {
				seeded, _, err := a.service.Seed(cmd.Context(), core.DemoSeed())
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				if !seeded {
					fmt.Fprintln(cmd.OutOrStdout(), "catalog already has books, nothing seeded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "demo catalog loaded")
				return nil
			})
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of the store to the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app) error {
				if a.backups == nil {
					return errBackupsDisabled
				}
				info, err := a.backups.Save(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", info.Key, info.Size)
				return nil
			})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "restore [key]",
		Short: "Replace the store contents with a snapshot (latest when no key is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app) error {
				if a.backups == nil {
					return errBackupsDisabled
				}
				out := cmd.OutOrStdout()
				if list {
					infos, err := a.backups.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, info := range infos {
						fmt.Fprintf(out, "%s\t%d bytes\t%s\n", info.Key, info.Size, info.LastModified.UTC().Format("2006-01-02T15:04:05Z"))
					}
					return nil
				}
				key := ""
				if len(args) == 1 {
					key = args[0]
				}
				restored, err := a.backups.Restore(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "restored %s\n", restored)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list available snapshots instead of restoring")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a staff accounts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := staff.Hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise, so hashes can also be produced from a pipe.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
