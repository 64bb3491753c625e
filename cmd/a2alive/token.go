package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/a2alive/internal/server"
)

func tokenCmd() *cobra.Command {
	var secretFlag, subjectFlag, agentFlag string
	var ttlFlag time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for WebSocket upgrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretFlag == "" {
				secretFlag = os.Getenv("A2A_JWT_SECRET")
			}
			if secretFlag == "" {
				return fmt.Errorf("--secret or A2A_JWT_SECRET is required")
			}
			token, exp, err := server.IssueToken([]byte(secretFlag), subjectFlag, agentFlag, ttlFlag)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secretFlag, "secret", "", "JWT signing secret (default $A2A_JWT_SECRET)")
	cmd.Flags().StringVar(&subjectFlag, "subject", "initiator", "token subject")
	cmd.Flags().StringVar(&agentFlag, "agent", "", "agent URI the holder speaks for")
	cmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
