package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"GatewayChat/internal/chatbot"
	"GatewayChat/internal/export"
	"GatewayChat/internal/gateway"
	"GatewayChat/internal/session"
)

func newExportCmd(flags *globalFlags) *cobra.Command {
	var format string
	var outputDir string
	var limit int

	cmd := &cobra.Command{
		Use:   "export <session-key>",
		Short: "Export a session transcript to a file",
		Long: `Fetch the history of one session from the gateway and write it as
Markdown, JSON or YAML. Use 'gatewaychat sessions' to see session keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := export.ForFormat(format)
			if err != nil {
				return err
			}

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

			if cb.Gateway() == "" {
				return chatbot.ErrNotConfigured
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), commandTimeout)
			defer cancel()

			if err := cb.Reconnect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			client := cb.Client()
			if client == nil {
				return errors.New("gateway client unavailable")
			}

			key := args[0]
			messages, err := gateway.FetchHistory(ctx, client, key, limit)
			if err != nil {
				return fmt.Errorf("failed to fetch history: %w", err)
			}

			sessions := cb.RefreshSessions(ctx)
			s, ok := session.Find(sessions, key)
			if !ok {
				s = session.Session{Key: key, FriendlyID: key}
			}

			path, err := export.WriteFile(outputDir, export.Conversation{
				Session:    s,
				Title:      cb.SessionTitle(key),
				Messages:   messages,
				ExportedAt: time.Now(),
			}, exp)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", len(messages), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "md", "Export format (md|json|yaml)")
	cmd.Flags().StringVarP(&outputDir, "dir", "d", ".", "Output directory")
	cmd.Flags().IntVar(&limit, "limit", gateway.DefaultHistoryLimit, "Maximum number of messages to fetch")
	return cmd
}
