package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dragnshare/transfer"
)

// get <filename>: request a file from the session and save it.
func getCmd(a *app) *cobra.Command {
	var (
		outDir string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "get <filename>",
		Short: "Request a file from the session and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dir := outDir
			if dir == "" {
				dir = a.cfg.DownloadDir
			}
			sink, err := transfer.NewDirSink(dir)
			if err != nil {
				return err
			}

			var onProgress func(transfer.Progress)
			if !quiet {
				onProgress = func(p transfer.Progress) {
					fmt.Fprintf(a.stderr, "\r%s: chunk %d/%d, %d/%d bytes", p.Filename, p.ChunkIndex+1, p.ChunkCount, p.Bytes, p.TotalBytes)
					if p.Phase == transfer.PhaseComplete {
						fmt.Fprintln(a.stderr)
					}
				}
			}

			session, err := a.join(ctx, sink, onProgress)
			if err != nil {
				return err
			}
			defer session.close()

			outcomes, err := session.manager.RequestFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Requested %s in session %q\n", args[0], a.cfg.Session)

			var outcome transfer.Outcome
			select {
			case outcome = <-outcomes:
			case <-ctx.Done():
				session.manager.Stop()
				outcome = <-outcomes
			}

			if outcome.Err != nil {
				return fmt.Errorf("get %s: %w", args[0], outcome.Err)
			}
			fmt.Fprintf(a.stdout, "Saved %s (%d bytes)\n", outcome.Location, outcome.Size)
			fmt.Fprintf(a.stdout, "Verification code: %s\n", outcome.VerificationCode)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to save into (default: config download_dir)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}
