package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dragnshare/crypto"
	"dragnshare/storage"
)

// share <file>...: store files for serving and answer requests for them.
func shareCmd(a *app) *cobra.Command {
	var (
		name    string
		noServe bool
	)

	cmd := &cobra.Command{
		Use:   "share <file>...",
		Short: "Share files with the session and serve requests for them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return errors.New("--as can only be used with a single file")
			}

			for _, path := range args {
				shareName := name
				if shareName == "" {
					shareName = filepath.Base(path)
				}
				shared, err := a.shareFile(path, shareName)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Shared %s (%d bytes, sha256 %s)\n",
					shared.Filename, shared.Filesize, crypto.FormatFingerprint(shared.Checksum[:12]))
			}

			if noServe {
				return nil
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&name, "as", "", "name peers request the file by (default: base name)")
	cmd.Flags().BoolVar(&noServe, "no-serve", false, "store the file without joining the session")
	return cmd
}

// serve: answer requests for already shared files until interrupted.
func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Join the session and serve shared files until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// shared: list shared files.
func sharedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shared",
		Short: "List files shared from this peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := a.store.ListSharedFiles()
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(a.stdout, "No shared files")
				return nil
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tSHARED\tSOURCE")
			for _, file := range files {
				source := "-"
				if file.SourcePath != nil {
					source = *file.SourcePath
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					file.Filename,
					file.Filesize,
					time.UnixMilli(file.SharedAt).Format(time.DateTime),
					source,
				)
			}
			return w.Flush()
		},
	}
}

// unshare <name>: stop serving a file.
func unshareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <name>",
		Short: "Stop sharing a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.UnshareFile(args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%q is not shared", args[0])
				}
				return err
			}
			fmt.Fprintf(a.stdout, "Unshared %s\n", args[0])
			return nil
		},
	}
}

func (a *app) shareFile(path, name string) (*storage.SharedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	source, err := filepath.Abs(path)
	if err != nil {
		source = path
	}
	return a.store.ShareFile(name, data, source)
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := a.join(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer session.close()

	fmt.Fprintf(a.stdout, "Serving shared files in session %q (press Ctrl+C to stop)\n", a.cfg.Session)
	select {
	case <-ctx.Done():
	case <-session.conn.Done():
		if err := session.conn.LastError(); err != nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}
	}
	return nil
}
