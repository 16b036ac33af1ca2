package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"GatewayChat/internal/chatbot"
	"GatewayChat/internal/session"
)

const commandTimeout = 30 * time.Second

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	var cached bool
	var query string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List gateway sessions",
		Long: `List the sessions available on the gateway, newest first with pinned
sessions on top. When the gateway cannot be reached the last cached list is
shown instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cb, err := a.newChatBot()
			if err != nil {
				return fmt.Errorf("failed to initialize chatbot: %w", err)
			}
			defer cb.Close()

			ctx, cancel := context.WithTimeout(commandContext(cmd), commandTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			if !cached && cb.Gateway() != "" {
				if err := cb.Reconnect(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, showing cached sessions\n", err)
				}
			}

			cb.RefreshSessions(ctx)
			st := cb.State()
			sessions := st.Sessions
			if query != "" {
				sessions = session.FilterSessions(sessions, query)
			}
			printSessions(out, cb, sessions, st.Pinned)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "Show the cached list without connecting")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Only show sessions matching this text")
	return cmd
}

func printSessions(out io.Writer, cb *chatbot.ChatBot, sessions []session.Session, pinned []string) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return
	}

	isPinned := make(map[string]bool, len(pinned))
	for _, key := range pinned {
		isPinned[key] = true
	}

	for i, s := range sessions {
		pin := ""
		if isPinned[s.Key] {
			pin = " (pinned)"
		}
		updated := "-"
		if s.UpdatedAt > 0 {
			updated = time.UnixMilli(s.UpdatedAt).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%3d. %s %s%s\n", i+1, s.Icon(), cb.SessionTitle(s.Key), pin)
		fmt.Fprintf(out, "     %s  updated %s\n", s.Key, updated)
	}
}
