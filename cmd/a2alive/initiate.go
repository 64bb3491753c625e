package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/a2alive/internal/client"
	"github.com/ehrlich-b/a2alive/internal/logger"
	"github.com/ehrlich-b/a2alive/internal/protocol"
	"github.com/ehrlich-b/a2alive/internal/session"
)

func initiateCmd() *cobra.Command {
	var (
		urlFlag      string
		fromFlag     string
		toFlag       string
		secretFlag   string
		tokenFlag    string
		threadFlag   string
		decisionFlag string
		threadsFlag  int
		timeoutFlag  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "initiate [message]",
		Short: "Run a demo initiator against a responder",
		Long: "Negotiates a session, sends one message, answers any approval request " +
			"with --decision and closes the session.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := "세금계산서 발행 진행해줘"
			if len(args) == 1 {
				text = args[0]
			}
			if secretFlag == "" {
				secretFlag = os.Getenv("A2A_SHARED_SECRET")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
			defer cancel()

			c, err := client.Dial(ctx, urlFlag, client.Options{
				From:      fromFlag,
				To:        toFlag,
				Secret:    secretFlag,
				Token:     tokenFlag,
				DialTries: 3,
				Logger:    logger.Component("initiator"),
			})
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			streaming := true
			view, err := c.Negotiate(ctx, session.CapabilityOverrides{
				Streaming:            &streaming,
				MaxConcurrentThreads: &threadsFlag,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s %s (expires %s)\n", view.SessionID, view.State, view.ExpiresAt)

			reply, err := c.Say(ctx, threadFlag, text)
			if err != nil {
				return err
			}
			for len(reply.NeedsInput) > 0 {
				action := reply.NeedsInput[0]
				fmt.Fprintf(out, "needs input: %s (%s), answering %s\n", action.Label, action.ID, decisionFlag)
				reply, err = c.Resume(ctx, threadFlag, action.ID, decisionFlag)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "reply: %s\n", reply.Text)

			if err := c.CloseSession(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "session closed")
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:8788/a2a-live", "responder WebSocket URL")
	cmd.Flags().StringVar(&fromFlag, "from", "agent://demo.initiator/accounting", "initiator agent URI")
	cmd.Flags().StringVar(&toFlag, "to", "agent://demo.responder/a2a-live", "responder agent URI")
	cmd.Flags().StringVar(&secretFlag, "secret", "", "HMAC shared secret (default $A2A_SHARED_SECRET)")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "bearer token for the upgrade")
	cmd.Flags().StringVar(&threadFlag, "thread", "thr_demo", "thread id")
	cmd.Flags().StringVar(&decisionFlag, "decision", protocol.DecisionApprove, "answer to approval requests")
	cmd.Flags().IntVar(&threadsFlag, "threads", 3, "maxConcurrentThreads to request")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", time.Minute, "overall deadline")

	return cmd
}
