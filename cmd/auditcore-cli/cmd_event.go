package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thorbis/audit-core/client"
	"github.com/thorbis/audit-core/internal/models"
)

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record and query audit events",
	}
	cmd.AddCommand(eventAppendCmd())
	cmd.AddCommand(eventListCmd())
	return cmd
}

func eventAppendCmd() *cobra.Command {
	var userID, resourceType, resourceID string
	var beforeJSON, afterJSON, metadataJSON string
	var idemKey string

	cmd := &cobra.Command{
		Use:   "append <action>",
		Short: "Append an event to the tenant's audit chain",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			draft := models.EventDraft{
				Action:       args[0],
				UserID:       userID,
				ResourceType: resourceType,
				ResourceID:   resourceID,
			}
			if beforeJSON != "" {
				if err := json.Unmarshal([]byte(beforeJSON), &draft.BeforeState); err != nil {
					fatal("parse before state", err)
				}
			}
			if afterJSON != "" {
				if err := json.Unmarshal([]byte(afterJSON), &draft.AfterState); err != nil {
					fatal("parse after state", err)
				}
			}
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &draft.Metadata); err != nil {
					fatal("parse metadata", err)
				}
			}

			var opts *client.AppendOptions
			if idemKey != "" {
				opts = &client.AppendOptions{IdempotencyKey: idemKey}
			}

			ev, err := apiClient.Events.Append(context.Background(), draft, opts)
			if err != nil {
				fatal("append event", err)
			}
			output(ev, ev.ID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Acting user ID")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "Resource type")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Resource ID")
	cmd.Flags().StringVar(&beforeJSON, "before", "", "Before state as JSON")
	cmd.Flags().StringVar(&afterJSON, "after", "", "After state as JSON")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "Metadata as JSON")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Explicit idempotency key")
	return cmd
}

func eventListCmd() *cobra.Command {
	var action, resourceType, resourceID, userID, fromStr, toStr string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		Run: func(cmd *cobra.Command, args []string) {
			if limit < 0 || offset < 0 {
				fmt.Fprintf(os.Stderr, "Error: --limit and --offset must be non-negative\n")
				os.Exit(1)
			}
			opts := &client.EventQueryOptions{
				Action:       action,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				UserID:       userID,
				Limit:        limit,
				Offset:       offset,
			}
			var err error
			if opts.From, err = parseTimeFlag(fromStr); err != nil {
				fatal("parse --from", err)
			}
			if opts.To, err = parseTimeFlag(toStr); err != nil {
				fatal("parse --to", err)
			}

			events, hasMore, err := apiClient.Events.Query(context.Background(), opts)
			if err != nil {
				fatal("list events", err)
			}

			if flagFmt == "table" {
				headers := []string{"SEQ", "TIMESTAMP", "ACTION", "RESOURCE", "CHAIN_HASH"}
				var rows [][]string
				for _, ev := range events {
					rows = append(rows, []string{
						fmt.Sprintf("%d", ev.Sequence),
						ev.Timestamp.Format(time.RFC3339),
						ev.Action,
						ev.ResourceType + "/" + ev.ResourceID,
						truncateHash(ev.ChainHash),
					})
				}
				formatTable(headers, rows)
				if hasMore {
					fmt.Fprintln(os.Stderr, "(more results available)")
				}
				return
			}
			if flagFmt == "quiet" {
				for _, ev := range events {
					fmt.Println(ev.ID)
				}
				return
			}
			output(map[string]any{"events": events, "has_more": hasMore}, "")
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "Filter by resource type")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Filter by resource ID")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user ID")
	cmd.Flags().StringVar(&fromStr, "from", "", "Range start (RFC 3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "Range end (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset")
	return cmd
}

// parseTimeFlag parses an optional RFC 3339 flag value.
func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
