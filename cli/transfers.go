package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dragnshare/storage"
)

// transfers: list the transfer journal or security events.
func transfersCmd(a *app) *cobra.Command {
	var (
		role     string
		phase    string
		limit    int
		security bool
		prune    bool

		eventType   string
		minSeverity string
		requestID   string
		summary     bool
	)

	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List recorded transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prune {
				cutoff := time.Now().Add(-storage.DefaultTransferRetention).UnixMilli()
				removed, err := a.store.PruneTransfers(cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Pruned %d transfers\n", removed)
				return nil
			}
			if security {
				if requestID != "" {
					events, err := a.store.SecurityEventsForTransfer(requestID)
					if err != nil {
						return err
					}
					return printSecurityEvents(a.stdout, events)
				}

				filter := storage.SecurityEventFilter{
					EventType:   eventType,
					Role:        role,
					MinSeverity: minSeverity,
					Limit:       limit,
				}
				if summary {
					counts, err := a.store.SummarizeSecurityEvents(filter)
					if err != nil {
						return err
					}
					return printSecuritySummary(a.stdout, counts)
				}
				events, err := a.store.GetSecurityEvents(filter)
				if err != nil {
					return err
				}
				return printSecurityEvents(a.stdout, events)
			}

			records, err := a.store.ListTransfers(storage.TransferFilter{
				Role:  role,
				Phase: phase,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			return printTransfers(a.stdout, records)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only show requester or holder transfers")
	cmd.Flags().StringVar(&phase, "phase", "", "only show transfers in this phase")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&security, "security", false, "show security events instead of transfers")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete transfers older than the retention window")
	cmd.Flags().StringVar(&eventType, "event", "", "with --security, only show this event type")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "with --security, only show info, warning or critical and above")
	cmd.Flags().StringVar(&requestID, "request", "", "with --security, show every event of one transfer")
	cmd.Flags().BoolVar(&summary, "summary", false, "with --security, count events per type")
	return cmd
}

func printTransfers(out io.Writer, records []storage.TransferRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No transfers")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST ID\tROLE\tFILE\tPHASE\tCHUNKS\tBYTES\tUPDATED\tERROR")
	for _, record := range records {
		errText := "-"
		if record.Error != nil {
			errText = *record.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			record.RequestID,
			record.Role,
			record.Filename,
			record.Phase,
			record.NextChunk,
			record.ChunkCount,
			record.BytesDone,
			time.UnixMilli(record.UpdatedAt).Format(time.DateTime),
			errText,
		)
	}
	return w.Flush()
}

func printSecurityEvents(out io.Writer, events []storage.SecurityEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(out, "No security events")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tREQUEST ID\tROLE\tFILE\tDETAILS")
	for _, event := range events {
		requestID := "-"
		if event.RequestID != nil {
			requestID = *event.RequestID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(event.Timestamp).Format(time.DateTime),
			event.Severity,
			event.EventType,
			requestID,
			orDash(event.Role),
			orDash(event.Filename),
			event.Details,
		)
	}
	return w.Flush()
}

func printSecuritySummary(out io.Writer, counts []storage.SecurityEventCount) error {
	if len(counts) == 0 {
		_, err := fmt.Fprintln(out, "No security events")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tWORST\tCOUNT\tTRANSFERS\tLAST SEEN")
	for _, count := range counts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			count.EventType,
			count.Severity,
			count.Count,
			count.Transfers,
			time.UnixMilli(count.LastSeen).Format(time.DateTime),
		)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
