package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thorbis/audit-core/client"
)

func newVerifyCmd() *cobra.Command {
	var action, resourceType, resourceID, userID, fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the tenant's audit chain server-side and report integrity",
		Run: func(cmd *cobra.Command, args []string) {
			opts := &client.VerifyOptions{
				Action:       action,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				UserID:       userID,
			}
			var err error
			if opts.From, err = parseTimeFlag(fromStr); err != nil {
				fatal("parse --from", err)
			}
			if opts.To, err = parseTimeFlag(toStr); err != nil {
				fatal("parse --to", err)
			}

			res, err := apiClient.Verify.Chain(context.Background(), opts)
			if err != nil {
				fatal("verify chain", err)
			}

			output(res, fmt.Sprintf("%v", res.Valid))
			if !res.Valid {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "Filter by resource type")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Filter by resource ID")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user ID")
	cmd.Flags().StringVar(&fromStr, "from", "", "Range start (RFC 3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "Range end (RFC 3339)")
	return cmd
}
